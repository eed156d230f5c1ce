// Package fromconfig instantiates transports based on xprt config structures
// (see package config).
package fromconfig

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/zrepl/xprt/config"
	"github.com/zrepl/xprt/logger"
	"github.com/zrepl/xprt/transport"
	"github.com/zrepl/xprt/transport/local"
	"github.com/zrepl/xprt/transport/tcp"
	"github.com/zrepl/xprt/xprt"
)

func ListenerFactoryFromConfig(g *config.Global, in config.ServeEnum) (transport.ListenerFactory, error) {

	var (
		l   transport.ListenerFactory
		err error
	)
	switch v := in.Ret.(type) {
	case *config.TCPServe:
		l, err = tcp.TCPListenerFactoryFromConfig(g, v)
	case *config.LocalServe:
		l, err = local.LocalListenerFactoryFromConfig(g, v)
	default:
		return nil, errors.Errorf("internal error: unknown serve type %T", v)
	}

	return l, err
}

func ConnecterFromConfig(in config.ConnectEnum) (transport.Connecter, error) {
	var (
		connecter transport.Connecter
		err       error
	)
	switch v := in.Ret.(type) {
	case *config.TCPConnect:
		connecter, err = tcp.TCPConnecterFromConfig(v)
	case *config.LocalConnect:
		connecter, err = local.LocalConnecterFromConfig(v)
	default:
		panic(fmt.Sprintf("implementation error: unknown connecter type %T", v))
	}

	return connecter, err
}

// XprtConfigFromConfig translates the transport section into an engine
// configuration. The result has been validated.
func XprtConfigFromConfig(in *config.TransportConfig, log logger.Logger) (xprt.Config, error) {
	c := xprt.Config{
		Name:     in.Name,
		MinSlots: in.Slots.Min,
		MaxSlots: in.Slots.Max,
		Timeout: xprt.TimeoutPolicy{
			Initial:     in.Timeout.Initial,
			Max:         in.Timeout.Max,
			Increment:   in.Timeout.Increment,
			Retries:     in.Timeout.Retries,
			Exponential: in.Timeout.Exponential,
			UseRTT:      in.Timeout.RTT,
		},
		IdleTimeout: in.IdleTimeoutOrDefault(),
		Reconnect: xprt.ReconnectPolicy{
			Min:    in.Reconnect.Min,
			Max:    in.Reconnect.Max,
			Factor: in.Reconnect.Factor,
			Jitter: in.Reconnect.Jitter,
		},
		ResetRTTOnMajorTimeout: in.Timeout.ResetRTT,
		Logger:                 log,
	}
	if err := c.Validate(); err != nil {
		return xprt.Config{}, errors.Wrapf(err, "invalid transport %q", in.Name)
	}
	return c, nil
}
