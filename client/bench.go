package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/pkg/profile"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/zrepl/xprt/cli"
	"github.com/zrepl/xprt/config"
	"github.com/zrepl/xprt/logging"
	"github.com/zrepl/xprt/transport/local"
	"github.com/zrepl/xprt/wire"
	"github.com/zrepl/xprt/xprt"
)

type BenchArgs struct {
	Address       string
	InProcess     bool
	DropRate      float64
	Delay         time.Duration
	Callers       int
	Requests      int
	Duration      time.Duration
	PayloadSize   int
	TimerClass    int
	Profile       string
	MetricsListen string
}

var benchArgs BenchArgs

var BenchCmd = &cli.Subcommand{
	Use:             "bench",
	Short:           "run concurrent calls against an echo server and report latencies",
	NoRequireConfig: true,
	SetupFlags: func(f *pflag.FlagSet) {
		f.StringVar(&benchArgs.Address, "address", "", "TCP address of an echo server (overrides the config's connect section)")
		f.BoolVar(&benchArgs.InProcess, "in-process", false, "start an in-process echo server and connect to it")
		f.Float64Var(&benchArgs.DropRate, "drop-rate", 0, "with --in-process: fraction of requests the server does not answer")
		f.DurationVar(&benchArgs.Delay, "delay", 0, "with --in-process: server-side reply delay")
		f.IntVar(&benchArgs.Callers, "callers", 16, "number of concurrent callers")
		f.IntVar(&benchArgs.Requests, "requests", 1000, "calls per caller (ignored if --duration is set)")
		f.DurationVar(&benchArgs.Duration, "duration", 0, "run for this long instead of a fixed number of calls")
		f.IntVar(&benchArgs.PayloadSize, "size", 64, "payload size in bytes")
		f.IntVar(&benchArgs.TimerClass, "timer-class", 1, "RTT estimator class of the calls (0 = fixed timeouts)")
		f.StringVar(&benchArgs.Profile, "profile", "", "write a profile to the current directory [cpu|mem|mutex|block]")
		f.StringVar(&benchArgs.MetricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	},
	Run: func(ctx context.Context, subcommand *cli.Subcommand, args []string) error {

		switch benchArgs.Profile {
		case "":
		case "cpu":
			defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
		case "mem":
			defer profile.Start(profile.MemProfile, profile.ProfilePath(".")).Stop()
		case "mutex":
			defer profile.Start(profile.MutexProfile, profile.ProfilePath(".")).Stop()
		case "block":
			defer profile.Start(profile.BlockProfile, profile.ProfilePath(".")).Stop()
		default:
			return errors.Errorf("unsupported --profile %q", benchArgs.Profile)
		}

		report, err := RunBench(ctx, subcommand.Config(), benchArgs)
		if report != nil {
			report.WriteTo(os.Stdout)
		}
		return err
	},
}

type BenchReport struct {
	Calls, Errors int
	Elapsed       time.Duration
	Latencies     stats.Float64Data // milliseconds
	Transport     xprt.Stats
}

func (r *BenchReport) WriteTo(w io.Writer) {
	fmt.Fprintf(w, "calls:       %d (%d errors) in %s\n", r.Calls, r.Errors, r.Elapsed.Round(time.Millisecond))
	if r.Elapsed > 0 {
		fmt.Fprintf(w, "throughput:  %.1f calls/s\n", float64(r.Calls)/r.Elapsed.Seconds())
	}
	if len(r.Latencies) > 0 {
		mean, _ := r.Latencies.Mean()
		p50, _ := r.Latencies.Percentile(50)
		p90, _ := r.Latencies.Percentile(90)
		p99, _ := r.Latencies.Percentile(99)
		max, _ := r.Latencies.Max()
		fmt.Fprintf(w, "latency ms:  mean=%.3f p50=%.3f p90=%.3f p99=%.3f max=%.3f\n", mean, p50, p90, p99, max)
	}
	s := r.Transport
	cwnd, _ := s.CongestionWindow()
	fmt.Fprintf(w, "transport:   sends=%d retransmits=%d minor_timeouts=%d major_timeouts=%d bad_xids=%d\n",
		s.Sends, s.Retransmits, s.MinorTimeouts, s.MajorTimeouts, s.BadXIDs)
	fmt.Fprintf(w, "             connects=%d connect_failures=%d forced_disconnects=%d backlog_waits=%d\n",
		s.Connects, s.ConnectFailures, s.ForcedDisconnects, s.BacklogWaits)
	fmt.Fprintf(w, "             max_slots=%d cwnd=%.2f\n", s.MaxSlotsSeen, cwnd)
	if s.Sends > 0 {
		fmt.Fprintf(w, "queues/send: sending=%.2f pending=%.2f backlog=%.2f\n",
			float64(s.SendingQueueSum)/float64(s.Sends),
			float64(s.PendingQueueSum)/float64(s.Sends),
			float64(s.BacklogQueueSum)/float64(s.Sends))
	}
}

func RunBench(ctx context.Context, conf *config.Config, args BenchArgs) (*BenchReport, error) {
	if args.Callers < 1 {
		return nil, errors.Errorf("need at least one caller, got %d", args.Callers)
	}

	var localName string
	if args.InProcess {
		localName = fmt.Sprintf("bench-%d", os.Getpid())
	}
	conf, err := configWithConnect(conf, args.Address, localName)
	if err != nil {
		return nil, err
	}
	if conf.Global == nil {
		conf.Global = &config.Global{}
		config.Default(conf.Global)
	}

	log, err := buildLogger(conf, args.MetricsListen != "" || len(conf.Global.Monitoring) > 0)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithSubsystemLoggers(ctx, log)
	benchLog := logging.LogSubsystem(log, logging.SubsysBench)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := runMonitoring(ctx, conf.Global, args.MetricsListen, log); err != nil {
		return nil, err
	}

	var serverDone sync.WaitGroup
	defer serverDone.Wait()
	defer cancel()
	if args.InProcess {
		lf, err := local.LocalListenerFactoryFromConfig(conf.Global, &config.LocalServe{ListenerName: localName})
		if err != nil {
			return nil, err
		}
		l, err := lf()
		if err != nil {
			return nil, err
		}
		serverDone.Add(1)
		go func() {
			defer serverDone.Done()
			err := (&wire.Server{}).Serve(ctx, l, EchoHandler(args.DropRate, args.Delay))
			if err != nil {
				benchLog.WithError(err).Error("in-process echo server failed")
			}
		}()
	}

	tr, err := buildTransport(conf.Transport, log)
	if err != nil {
		return nil, err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		if err := tr.Shutdown(sctx); err != nil {
			benchLog.WithError(err).Warn("transport shutdown incomplete")
		}
	}()

	runCtx := ctx
	if args.Duration > 0 {
		var runCancel context.CancelFunc
		runCtx, runCancel = context.WithTimeout(ctx, args.Duration)
		defer runCancel()
	}

	payload := bytes.Repeat([]byte{0xa5}, args.PayloadSize)
	type result struct {
		latencies []float64
		errors    int
	}
	results := make([]result, args.Callers)

	benchLog.WithField("callers", args.Callers).Info("starting benchmark")
	begin := time.Now()
	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < args.Callers; i++ {
		res := &results[i]
		g.Go(func() error {
			reply := make([]byte, 0, len(payload))
			for n := 0; args.Duration > 0 || n < args.Requests; n++ {
				if gctx.Err() != nil {
					return nil
				}
				start := time.Now()
				out, err := tr.Call(gctx, payload, xprt.WithTimerClass(args.TimerClass), xprt.WithReplyBuffer(reply))
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					if err == xprt.ErrShutdown {
						return err
					}
					res.errors++
					benchLog.WithError(err).Debug("call failed")
					continue
				}
				if !bytes.Equal(out, payload) {
					return errors.Errorf("reply does not match request")
				}
				res.latencies = append(res.latencies, float64(time.Since(start))/float64(time.Millisecond))
			}
			return nil
		})
	}
	err = g.Wait()

	report := &BenchReport{
		Elapsed:   time.Since(begin),
		Transport: tr.Stats(),
	}
	for _, res := range results {
		report.Calls += len(res.latencies) + res.errors
		report.Errors += res.errors
		report.Latencies = append(report.Latencies, res.latencies...)
	}
	return report, err
}
