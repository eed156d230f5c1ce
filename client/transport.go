package client

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/zrepl/xprt/config"
	"github.com/zrepl/xprt/logger"
	"github.com/zrepl/xprt/logging"
	"github.com/zrepl/xprt/monitoring"
	"github.com/zrepl/xprt/transport/fromconfig"
	"github.com/zrepl/xprt/wire"
	"github.com/zrepl/xprt/xprt"
)

// configWithConnect returns conf if set, otherwise a default configuration
// connecting to address (tcp) or to the in-process listener localName.
func configWithConnect(conf *config.Config, address, localName string) (*config.Config, error) {
	if conf != nil && address == "" && localName == "" {
		return conf, nil
	}
	var connect string
	switch {
	case localName != "":
		connect = fmt.Sprintf("    type: local\n    listener_name: %q\n", localName)
	case address != "":
		connect = fmt.Sprintf("    type: tcp\n    address: %q\n", address)
	default:
		return nil, errors.New("no config file, specify an address")
	}
	var b strings.Builder
	b.WriteString("transport:\n  name: bench\n  connect:\n")
	b.WriteString(connect)
	c, err := config.ParseConfigBytes([]byte(b.String()))
	if err != nil {
		return nil, errors.Wrap(err, "internal error: cannot build default config")
	}
	if conf != nil {
		// keep everything but the connect section
		t := *conf.Transport
		t.Connect = c.Transport.Connect
		c.Transport = &t
		c.Global = conf.Global
	}
	return c, nil
}

func buildLogger(conf *config.Config, withMetrics bool) (logger.Logger, error) {
	log, err := logging.LoggerFromConfig(conf.Global)
	if err != nil {
		return nil, errors.Wrap(err, "cannot build logging from config")
	}
	if withMetrics {
		log = log.WithOutlet(monitoring.NewPrometheusLogOutlet(), logger.Debug)
	}
	return log, nil
}

func buildTransport(conf *config.TransportConfig, log logger.Logger) (*xprt.Transport, error) {
	connecter, err := fromconfig.ConnecterFromConfig(conf.Connect)
	if err != nil {
		return nil, errors.Wrap(err, "cannot build connecter")
	}
	xc, err := fromconfig.XprtConfigFromConfig(conf, logging.LogSubsystem(log, logging.SubsysXprt))
	if err != nil {
		return nil, err
	}
	stream := wire.New(connecter, wire.Config{
		MaxFrameSize: conf.MaxFrameSize,
		SendTimeout:  conf.SendTimeout,
		Name:         conf.Name,
		Logger:       logging.LogSubsystem(log, logging.SubsysWire),
	})
	return xprt.New(xc, stream), nil
}

// runMonitoring starts the configured (or explicitly requested)
// Prometheus endpoints. They stop when ctx is done.
func runMonitoring(ctx context.Context, g *config.Global, extraListen string, log logger.Logger) error {
	servers, err := monitoring.ServersFromConfig(g)
	if err != nil {
		return err
	}
	if extraListen != "" {
		s, err := monitoring.PrometheusServerFromConfig(&config.PrometheusMonitoring{Type: "prometheus", Listen: extraListen})
		if err != nil {
			return err
		}
		servers = append(servers, s)
	}
	for _, s := range servers {
		s := s
		go func() {
			if err := s.Run(ctx, log); err != nil {
				fmt.Fprintf(os.Stderr, "prometheus endpoint %s: %s\n", s.Addr(), err)
			}
		}()
	}
	return nil
}
