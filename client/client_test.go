package client

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zrepl/xprt/config"
)

func TestEchoHandler(t *testing.T) {
	ctx := context.Background()

	reply, ok := EchoHandler(0, 0).HandleFrame(ctx, 1, []byte("ping"))
	require.True(t, ok)
	assert.Equal(t, "ping", string(reply))

	start := time.Now()
	reply, ok = EchoHandler(0, 20*time.Millisecond).HandleFrame(ctx, 2, []byte("slow"))
	require.True(t, ok)
	assert.Equal(t, "slow", string(reply))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, ok = EchoHandler(0, time.Hour).HandleFrame(cctx, 3, []byte("never"))
	assert.False(t, ok, "a cancelled context drops the delayed reply")

	drop := EchoHandler(0.999999, 0)
	dropped := 0
	for i := 0; i < 100; i++ {
		if _, ok := drop.HandleFrame(ctx, uint32(i), nil); !ok {
			dropped++
		}
	}
	assert.Greater(t, dropped, 90)
}

func TestConfigWithConnect(t *testing.T) {
	_, err := configWithConnect(nil, "", "")
	assert.Error(t, err)

	c, err := configWithConnect(nil, "127.0.0.1:7777", "")
	require.NoError(t, err)
	tcp, ok := c.Transport.Connect.Ret.(*config.TCPConnect)
	require.True(t, ok, "%T", c.Transport.Connect.Ret)
	assert.Equal(t, "127.0.0.1:7777", tcp.Address)
	assert.Equal(t, "bench", c.Transport.Name)

	file, err := config.ParseConfigBytes([]byte(`
transport:
  name: fromfile
  slots:
    max: 8
  connect:
    type: tcp
    address: "10.0.0.1:1"
`))
	require.NoError(t, err)

	same, err := configWithConnect(file, "", "")
	require.NoError(t, err)
	assert.Same(t, file, same)

	c, err = configWithConnect(file, "", "in-process")
	require.NoError(t, err)
	lc, ok := c.Transport.Connect.Ret.(*config.LocalConnect)
	require.True(t, ok, "%T", c.Transport.Connect.Ret)
	assert.Equal(t, "in-process", lc.ListenerName)
	assert.Equal(t, "fromfile", c.Transport.Name)
	assert.Equal(t, 8, c.Transport.Slots.Max)
	_, stillTCP := file.Transport.Connect.Ret.(*config.TCPConnect)
	assert.True(t, stillTCP, "the parsed config is not modified")
}

func TestRunEchoServerRejectsBadArgs(t *testing.T) {
	err := RunEchoServer(context.Background(), nil, EchoArgs{Listen: "127.0.0.1:0", DropRate: 1})
	assert.Error(t, err)
	err = RunEchoServer(context.Background(), nil, EchoArgs{})
	assert.Error(t, err)
}

func TestRunBenchInProcess(t *testing.T) {
	report, err := RunBench(context.Background(), nil, BenchArgs{
		InProcess:   true,
		Callers:     4,
		Requests:    25,
		PayloadSize: 128,
		TimerClass:  1,
	})
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, 100, report.Calls)
	assert.Zero(t, report.Errors)
	assert.Len(t, report.Latencies, 100)
	assert.Equal(t, uint64(100), report.Transport.Replies)
	assert.Equal(t, uint64(1), report.Transport.Connects)

	var out bytes.Buffer
	report.WriteTo(&out)
	assert.True(t, strings.HasPrefix(out.String(), "calls:       100 (0 errors)"), out.String())
	assert.Contains(t, out.String(), "p99=")
}

func TestRunBenchNeedsCallers(t *testing.T) {
	_, err := RunBench(context.Background(), nil, BenchArgs{InProcess: true})
	assert.Error(t, err)
}
