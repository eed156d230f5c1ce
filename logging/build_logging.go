// Package logging builds loggers from the logging section of the config.
package logging

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/syslog"
	"net"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"

	"github.com/zrepl/xprt/config"
	"github.com/zrepl/xprt/logger"
	"github.com/zrepl/xprt/transport"
	"github.com/zrepl/xprt/wire"
)

// OutletTimeout bounds the time a log call waits for a slow outlet.
const OutletTimeout = 1 * time.Second

func OutletsFromConfig(in config.LoggingOutletEnumList) (*logger.Outlets, error) {

	outlets := logger.NewOutlets()

	if len(in) == 0 {
		// Default config
		out := WriterOutlet{&HumanFormatter{}, os.Stdout}
		outlets.Add(out, logger.Warn)
		return outlets, nil
	}

	var syslogOutlets, stdoutOutlets int
	for lei, le := range in {

		outlet, minLevel, err := parseOutlet(le)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot parse outlet #%d", lei)
		}
		var _ logger.Outlet = WriterOutlet{}
		var _ logger.Outlet = &SyslogOutlet{}
		switch outlet.(type) {
		case *SyslogOutlet:
			syslogOutlets++
		case WriterOutlet:
			stdoutOutlets++
		}

		outlets.Add(outlet, minLevel)

	}

	if syslogOutlets > 1 {
		return nil, errors.Errorf("can only define one 'syslog' outlet")
	}
	if stdoutOutlets > 1 {
		return nil, errors.Errorf("can only define one 'stdout' outlet")
	}

	return outlets, nil

}

// LoggerFromConfig returns a logger writing to the outlets configured in g.
func LoggerFromConfig(g *config.Global) (logger.Logger, error) {
	var in config.LoggingOutletEnumList
	if g != nil && g.Logging != nil {
		in = *g.Logging
	}
	outlets, err := OutletsFromConfig(in)
	if err != nil {
		return nil, err
	}
	return logger.NewLogger(outlets, OutletTimeout), nil
}

type Subsystem string

const (
	SubsysXprt      Subsystem = "xprt"
	SubsysWire      Subsystem = "wire"
	SubsysTransport Subsystem = "transport"
	SubsysBench     Subsystem = "bench"
)

func WithSubsystemLoggers(ctx context.Context, log logger.Logger) context.Context {
	ctx = transport.WithLogger(ctx, log.WithField(SubsysField, SubsysTransport))
	ctx = wire.WithLogger(ctx, log.WithField(SubsysField, SubsysWire))
	return ctx
}

func LogSubsystem(log logger.Logger, subsys Subsystem) logger.Logger {
	return log.ReplaceField(SubsysField, subsys)
}

func parseLogFormat(i interface{}) (f EntryFormatter, err error) {
	var is string
	switch j := i.(type) {
	case string:
		is = j
	default:
		return nil, errors.Errorf("invalid log format: wrong type: %T", i)
	}

	switch is {
	case "human":
		return &HumanFormatter{}, nil
	case "logfmt":
		return &LogfmtFormatter{}, nil
	case "json":
		return &JSONFormatter{}, nil
	default:
		return nil, errors.Errorf("invalid log format: '%s'", is)
	}

}

func parseOutlet(in config.LoggingOutletEnum) (o logger.Outlet, level logger.Level, err error) {

	parseCommon := func(common config.LoggingOutletCommon) (logger.Level, EntryFormatter, error) {
		if common.Level == "" || common.Format == "" {
			return 0, nil, errors.Errorf("must specify 'level' and 'format' field")
		}

		minLevel, err := logger.ParseLevel(common.Level)
		if err != nil {
			return 0, nil, errors.Wrap(err, "cannot parse 'level' field")
		}
		formatter, err := parseLogFormat(common.Format)
		if err != nil {
			return 0, nil, errors.Wrap(err, "cannot parse 'formatter' field")
		}
		return minLevel, formatter, nil
	}

	var f EntryFormatter

	switch v := in.Ret.(type) {
	case *config.StdoutLoggingOutlet:
		level, f, err = parseCommon(v.LoggingOutletCommon)
		if err != nil {
			break
		}
		o, err = parseStdoutOutlet(v, f)
	case *config.TCPLoggingOutlet:
		level, f, err = parseCommon(v.LoggingOutletCommon)
		if err != nil {
			break
		}
		o, err = parseTCPOutlet(v, f)
	case *config.SyslogLoggingOutlet:
		level, f, err = parseCommon(v.LoggingOutletCommon)
		if err != nil {
			break
		}
		o, err = parseSyslogOutlet(v, f)
	default:
		panic(v)
	}
	return o, level, err
}

func stdoutMetadataFlags(isTerminal bool, in *config.StdoutLoggingOutlet) MetadataFlags {
	flags := MetadataAll
	if !isTerminal && !in.Time {
		flags &= ^MetadataTime
	}
	if !isTerminal || !in.Color {
		flags &= ^MetadataColor
	}
	return flags
}

func parseStdoutOutlet(in *config.StdoutLoggingOutlet, formatter EntryFormatter) (WriterOutlet, error) {
	writer := os.Stdout
	isTerminal := isatty.IsTerminal(writer.Fd()) || isatty.IsCygwinTerminal(writer.Fd())
	formatter.SetMetadataFlags(stdoutMetadataFlags(isTerminal, in))
	return WriterOutlet{
		formatter,
		writer,
	}, nil
}

func parseCAFile(certfile string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	pem, err := os.ReadFile(certfile)
	if err != nil {
		return nil, err
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("no certificate found in CA file")
	}
	return pool, nil
}

func parseTCPOutlet(in *config.TCPLoggingOutlet, formatter EntryFormatter) (out *TCPOutlet, err error) {
	var tlsConfig *tls.Config
	if in.TLS != nil {
		tlsConfig, err = func(m *config.TCPLoggingOutletTLS, address string) (*tls.Config, error) {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return nil, errors.Wrap(err, "cannot parse address")
			}
			clientCert, err := tls.LoadX509KeyPair(m.Cert, m.Key)
			if err != nil {
				return nil, errors.Wrap(err, "cannot load client cert")
			}

			var rootCAs *x509.CertPool
			if m.CA == "" {
				if rootCAs, err = x509.SystemCertPool(); err != nil {
					return nil, errors.Wrap(err, "cannot open system cert pool")
				}
			} else {
				rootCAs, err = parseCAFile(m.CA)
				if err != nil {
					return nil, errors.Wrap(err, "cannot parse CA cert")
				}
			}
			if rootCAs == nil {
				panic("invariant violated")
			}

			return &tls.Config{
				Certificates: []tls.Certificate{clientCert},
				RootCAs:      rootCAs,
				ServerName:   host,
				MinVersion:   tls.VersionTLS12,
			}, nil
		}(in.TLS, in.Address)
		if err != nil {
			return nil, errors.Wrap(err, "cannot parse TLS config in field 'tls'")
		}
	}

	formatter.SetMetadataFlags(MetadataAll &^ MetadataColor)
	return NewTCPOutlet(formatter, in.Net, in.Address, tlsConfig, in.RetryInterval), nil

}

func parseSyslogOutlet(in *config.SyslogLoggingOutlet, formatter EntryFormatter) (out *SyslogOutlet, err error) {
	out = &SyslogOutlet{}
	out.Formatter = formatter
	out.Formatter.SetMetadataFlags(MetadataNone)
	out.Facility = syslog.LOG_LOCAL0
	out.RetryInterval = in.RetryInterval
	return out, nil
}
