package local

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zrepl/xprt/config"
)

func TestConnectAccept(t *testing.T) {
	lf, err := LocalListenerFactoryFromConfig(nil, &config.LocalServe{ListenerName: t.Name()})
	require.NoError(t, err)
	l, err := lf()
	require.NoError(t, err)
	defer l.Close()

	cn, err := LocalConnecterFromConfig(&config.LocalConnect{ListenerName: t.Name(), DialTimeout: time.Second})
	require.NoError(t, err)

	accepted := make(chan error, 1)
	go func() {
		conn, err := l.Accept(context.Background())
		if err != nil {
			accepted <- err
			return
		}
		defer conn.Close()
		_, err = io.Copy(conn, io.LimitReader(conn, 4))
		accepted <- err
	}()

	conn, err := cn.Connect(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
	require.NoError(t, <-accepted)
}

func TestConnectWithoutListenerTimesOut(t *testing.T) {
	cn, err := LocalConnecterFromConfig(&config.LocalConnect{ListenerName: t.Name(), DialTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	_, err = cn.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable")
}

func TestAcceptAfterClose(t *testing.T) {
	lf, err := LocalListenerFactoryFromConfig(nil, &config.LocalServe{ListenerName: t.Name()})
	require.NoError(t, err)
	l, err := lf()
	require.NoError(t, err)
	require.NoError(t, l.Close())
	_, err = l.Accept(context.Background())
	assert.Equal(t, ErrListenerClosed, err)

	l, err = lf()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Accept(ctx)
	assert.Equal(t, context.DeadlineExceeded, err)
}

func TestFromConfigValidation(t *testing.T) {
	_, err := LocalConnecterFromConfig(&config.LocalConnect{})
	assert.Error(t, err)
	_, err = LocalListenerFactoryFromConfig(nil, &config.LocalServe{})
	assert.Error(t, err)
}
