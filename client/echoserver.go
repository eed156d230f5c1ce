package client

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/zrepl/xprt/cli"
	"github.com/zrepl/xprt/config"
	"github.com/zrepl/xprt/logging"
	"github.com/zrepl/xprt/transport/fromconfig"
	"github.com/zrepl/xprt/wire"
)

type EchoArgs struct {
	Listen         string
	ListenFreeBind bool
	DropRate       float64
	Delay          time.Duration
	MaxConcurrency int64
	MetricsListen  string
}

var echoArgs EchoArgs

var EchoServerCmd = &cli.Subcommand{
	Use:             "echoserver",
	Short:           "serve frames by echoing them, optionally dropping and delaying replies",
	NoRequireConfig: true,
	SetupFlags: func(f *pflag.FlagSet) {
		f.StringVar(&echoArgs.Listen, "listen", "", "TCP listen address (overrides the config's serve section)")
		f.BoolVar(&echoArgs.ListenFreeBind, "listen-freebind", false, "allow binding to addresses not configured locally")
		f.Float64Var(&echoArgs.DropRate, "drop-rate", 0, "fraction [0,1) of requests that are not answered")
		f.DurationVar(&echoArgs.Delay, "delay", 0, "delay before each reply")
		f.Int64Var(&echoArgs.MaxConcurrency, "max-concurrency", 0, "requests handled concurrently (0 = config or default)")
		f.StringVar(&echoArgs.MetricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	},
	Run: func(ctx context.Context, subcommand *cli.Subcommand, args []string) error {
		return RunEchoServer(ctx, subcommand.Config(), echoArgs)
	},
}

// EchoHandler answers every request with its payload. A fraction
// dropRate of requests is not answered, every reply is delayed by delay.
func EchoHandler(dropRate float64, delay time.Duration) wire.ServerHandler {
	return wire.ServerHandlerFunc(func(ctx context.Context, xid uint32, req []byte) ([]byte, bool) {
		if dropRate > 0 && rand.Float64() < dropRate {
			return nil, false
		}
		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return nil, false
			}
		}
		return req, true
	})
}

func RunEchoServer(ctx context.Context, conf *config.Config, args EchoArgs) error {
	if args.DropRate < 0 || args.DropRate >= 1 {
		return errors.Errorf("drop rate must be in [0,1), got %v", args.DropRate)
	}

	var serve config.ServeEnum
	var global *config.Global
	if conf != nil {
		global = conf.Global
		if conf.Serve != nil {
			serve = *conf.Serve
		}
	}
	if global == nil {
		global = &config.Global{}
		config.Default(global)
	}
	if args.Listen != "" {
		tcpServe := &config.TCPServe{Listen: args.Listen, ListenFreeBind: args.ListenFreeBind}
		tcpServe.Type = "tcp"
		serve = config.ServeEnum{Ret: tcpServe}
	}
	if serve.Ret == nil {
		return errors.New("no serve section in config and no --listen address given")
	}

	log, err := buildLogger(&config.Config{Global: global}, args.MetricsListen != "" || len(global.Monitoring) > 0)
	if err != nil {
		return err
	}
	ctx = logging.WithSubsystemLoggers(ctx, log)

	if err := runMonitoring(ctx, global, args.MetricsListen, log); err != nil {
		return err
	}

	lf, err := fromconfig.ListenerFactoryFromConfig(global, serve)
	if err != nil {
		return errors.Wrap(err, "cannot build listener")
	}
	l, err := lf()
	if err != nil {
		return errors.Wrap(err, "cannot listen")
	}

	srv := &wire.Server{MaxConcurrency: args.MaxConcurrency}
	if srv.MaxConcurrency == 0 {
		srv.MaxConcurrency = serveConcurrency(serve)
	}
	return srv.Serve(ctx, l, EchoHandler(args.DropRate, args.Delay))
}

func serveConcurrency(serve config.ServeEnum) int64 {
	switch v := serve.Ret.(type) {
	case *config.TCPServe:
		return v.MaxConcurrency
	case *config.LocalServe:
		return v.MaxConcurrency
	}
	return 0
}
