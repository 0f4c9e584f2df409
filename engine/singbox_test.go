package engine

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getlantern/boxclient/config"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func directConfig(port int) *config.Config {
	return &config.Config{
		Inbound:  &config.Inbound{Protocol: config.ProtocolSocks, Port: port},
		Outbound: &config.Outbound{Protocol: config.ProtocolFreedom},
		Log:      &config.Log{Level: config.LogNone},
	}
}

func TestSingBoxCheck(t *testing.T) {
	e := &SingBox{}
	assert.NoError(t, e.Check(directConfig(freePort(t))))
	assert.Contains(t, e.Version(), "sing-box")

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	err = e.Check(directConfig(l.Addr().(*net.TCPAddr).Port))
	assert.ErrorIs(t, err, ErrBind)
}

func TestSingBoxStartClose(t *testing.T) {
	port := freePort(t)
	e := &SingBox{}
	inst, err := e.New(directConfig(port))
	require.NoError(t, err)
	require.NoError(t, inst.Start())

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	require.NoError(t, err, "socks inbound should be listening")
	conn.Close()

	traffic, ok := inst.Traffic()
	assert.True(t, ok)
	assert.GreaterOrEqual(t, traffic.Uplink, int64(0))

	require.NoError(t, inst.Close())
	assert.NoError(t, inst.Close(), "close is idempotent")
}

func TestSingBoxUnreachableOutbound(t *testing.T) {
	cfg, err := config.NewBuilder().
		LogLevel(config.LogNone).
		Socks("127.0.0.1", freePort(t), false).
		Trojan("127.0.0.1", freePort(t), "secret").
		Build()
	require.NoError(t, err)

	e := &SingBox{ProbeTimeout: time.Second}
	inst, err := e.New(cfg)
	require.NoError(t, err)
	defer inst.Close()
	assert.ErrorIs(t, inst.Start(), ErrUnreachable)
}
