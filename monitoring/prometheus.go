// Package monitoring exposes the process's metrics over HTTP.
package monitoring

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zrepl/xprt/config"
	"github.com/zrepl/xprt/logger"
	"github.com/zrepl/xprt/version"
	"github.com/zrepl/xprt/wire"
	"github.com/zrepl/xprt/xprt"
)

type PrometheusServer struct {
	listen string
}

func PrometheusServerFromConfig(in *config.PrometheusMonitoring) (*PrometheusServer, error) {
	if _, _, err := net.SplitHostPort(in.Listen); err != nil {
		return nil, errors.Wrapf(err, "invalid listen address %q", in.Listen)
	}
	return &PrometheusServer{in.Listen}, nil
}

// ServersFromConfig returns one server per configured monitoring endpoint.
func ServersFromConfig(g *config.Global) ([]*PrometheusServer, error) {
	if g == nil {
		return nil, nil
	}
	var servers []*PrometheusServer
	for i, m := range g.Monitoring {
		switch v := m.Ret.(type) {
		case *config.PrometheusMonitoring:
			s, err := PrometheusServerFromConfig(v)
			if err != nil {
				return nil, errors.Wrapf(err, "monitoring #%d", i)
			}
			servers = append(servers, s)
		default:
			return nil, errors.Errorf("internal error: unknown monitoring type %T", v)
		}
	}
	return servers, nil
}

var prom struct {
	logEntries *prometheus.CounterVec
}

func init() {
	prom.logEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xprt",
		Subsystem: "process",
		Name:      "log_entries",
		Help:      "number of log entries per subsystem and level",
	}, []string{"subsystem", "level"})
}

var registerOnce sync.Once
var registerErr error

// Register registers all of the process's metrics with r.
// Only the first call has an effect.
func Register(r prometheus.Registerer) error {
	registerOnce.Do(func() {
		registerErr = func() error {
			if err := xprt.PrometheusRegister(r); err != nil {
				return err
			}
			if err := wire.PrometheusRegister(r); err != nil {
				return err
			}
			if err := r.Register(prom.logEntries); err != nil {
				return err
			}
			version.PrometheusRegister(r)
			return nil
		}()
	})
	return registerErr
}

func (s *PrometheusServer) Addr() string { return s.listen }

// Run serves /metrics until ctx is done.
func (s *PrometheusServer) Run(ctx context.Context, log logger.Logger) error {
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		return errors.Wrap(err, "cannot register metrics")
	}

	l, err := net.Listen("tcp", s.listen)
	if err != nil {
		return errors.Wrap(err, "cannot listen")
	}
	return s.serve(ctx, l, log)
}

func (s *PrometheusServer) serve(ctx context.Context, l net.Listener, log logger.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux}

	serveDone := make(chan struct{})
	defer close(serveDone)
	go func() {
		select {
		case <-ctx.Done():
			srv.Close()
		case <-serveDone:
		}
	}()

	log.WithField("addr", l.Addr()).Info("serving prometheus metrics")
	err := srv.Serve(l)
	if err != nil && ctx.Err() == nil {
		log.WithError(err).Error("error while serving")
		return err
	}
	return nil
}

type prometheusLogOutlet struct{}

var _ logger.Outlet = prometheusLogOutlet{}

// NewPrometheusLogOutlet returns an outlet that counts log entries.
func NewPrometheusLogOutlet() logger.Outlet {
	return prometheusLogOutlet{}
}

func (o prometheusLogOutlet) WriteEntry(entry logger.Entry) error {
	var subsys string
	if v, ok := entry.Fields["subsystem"]; ok {
		subsys = fmt.Sprint(v)
	}
	prom.logEntries.WithLabelValues(subsys, entry.Level.String()).Inc()
	return nil
}
