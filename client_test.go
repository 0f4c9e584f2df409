package boxclient

import (
	"bytes"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sagernet/sing/common/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getlantern/boxclient/config"
	"github.com/getlantern/boxclient/engine"
	"github.com/getlantern/boxclient/events"
)

type fakeEngine struct {
	mu        sync.Mutex
	newErr    error
	startErr  error
	checkErr  error
	checks    int
	instances []*fakeInstance
	configs   []*config.Config
}

func (e *fakeEngine) New(cfg *config.Config) (engine.Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.newErr != nil {
		return nil, e.newErr
	}
	inst := &fakeInstance{startErr: e.startErr, traffic: engine.Traffic{Uplink: 100, Downlink: 200}}
	e.instances = append(e.instances, inst)
	e.configs = append(e.configs, cfg)
	return inst, nil
}

func (e *fakeEngine) Check(cfg *config.Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checks++
	return e.checkErr
}

func (e *fakeEngine) Version() string { return "fake 1.0" }

func (e *fakeEngine) instanceCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.instances)
}

func (e *fakeEngine) lastConfig() *config.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.configs[len(e.configs)-1]
}

type fakeInstance struct {
	started  atomic.Bool
	closed   atomic.Bool
	startErr error
	traffic  engine.Traffic
}

func (i *fakeInstance) Start() error {
	if i.startErr != nil {
		return i.startErr
	}
	i.started.Store(true)
	return nil
}

func (i *fakeInstance) Close() error {
	i.closed.Store(true)
	return nil
}

func (i *fakeInstance) Traffic() (engine.Traffic, bool) {
	return i.traffic, true
}

func testConfig(t *testing.T, port int) *config.Config {
	t.Helper()
	cfg, err := config.NewBuilder().
		Socks("127.0.0.1", port, true).
		Trojan("203.0.113.1", 443, "secret").
		Build()
	require.NoError(t, err)
	return cfg
}

func newTestClient(t *testing.T, opts ...Option) (*Client, *fakeEngine) {
	t.Helper()
	fe := &fakeEngine{}
	c := NewClient(append([]Option{WithEngine(fe)}, opts...)...)
	t.Cleanup(func() {
		if c.State() != StateDestroyed {
			c.Destroy()
		}
	})
	return c, fe
}

func TestStartBeforeLoad(t *testing.T) {
	c, fe := newTestClient(t)
	err := c.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrState)
	assert.Equal(t, StateUninitialized, c.State())
	assert.Equal(t, err.Error(), c.LastError())
	assert.Zero(t, fe.instanceCount())
}

func TestLifecycle(t *testing.T) {
	c, fe := newTestClient(t)
	assert.Empty(t, c.LastError())

	_, err := c.Stats()
	assert.ErrorIs(t, err, ErrState, "stats before start")

	require.NoError(t, c.LoadConfig(testConfig(t, 1080)))
	assert.Equal(t, StateConfigured, c.State())

	require.NoError(t, c.Start())
	assert.True(t, c.IsRunning())
	require.Equal(t, 1, fe.instanceCount())
	assert.True(t, fe.instances[0].started.Load())

	stats, err := c.Stats()
	require.NoError(t, err)
	assert.True(t, stats.Running)
	assert.Equal(t, "running", stats.Status)
	require.NotNil(t, stats.Traffic)
	assert.Equal(t, int64(100), stats.Traffic.Uplink)
	assert.Equal(t, int64(200), stats.Traffic.Downlink)

	err = c.Start()
	assert.ErrorIs(t, err, ErrState, "double start")
	assert.Equal(t, 1, fe.instanceCount())

	err = c.LoadConfig(testConfig(t, 1081))
	assert.ErrorIs(t, err, ErrState, "load while running")

	require.NoError(t, c.Stop())
	assert.False(t, c.IsRunning())
	assert.Equal(t, StateStopped, c.State())
	assert.True(t, fe.instances[0].closed.Load())

	stats, err = c.Stats()
	require.NoError(t, err)
	assert.False(t, stats.Running)
	assert.Equal(t, "stopped", stats.Status)
	require.NotNil(t, stats.Traffic)
	assert.Equal(t, int64(100), stats.Traffic.Uplink)

	require.NoError(t, c.Stop(), "stop when not running is a no-op")

	// restart from stopped
	require.NoError(t, c.Start())
	assert.True(t, c.IsRunning())
	assert.Equal(t, 2, fe.instanceCount())

	require.NoError(t, c.Stop())
	require.NoError(t, c.LoadConfig(testConfig(t, 1081)))
	assert.Equal(t, StateConfigured, c.State())
	assert.Equal(t, 1081, c.Config().Inbound.Port)
}

func TestLoadInvalidConfig(t *testing.T) {
	c, _ := newTestClient(t)

	bad := testConfig(t, 1080)
	bad.Inbound.Port = -1
	err := c.LoadConfig(bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfig)
	assert.ErrorIs(t, err, config.ErrInvalid)
	assert.Equal(t, StateUninitialized, c.State())
	assert.Nil(t, c.Config())
	assert.Contains(t, c.LastError(), "inbound.port")

	require.NoError(t, c.LoadConfig(testConfig(t, 1080)))
	err = c.LoadConfig(&config.Config{Inbound: &config.Inbound{Protocol: "socks", Port: 1080}})
	assert.ErrorIs(t, err, ErrConfig)
	assert.Equal(t, StateConfigured, c.State())
	assert.Equal(t, 1080, c.Config().Inbound.Port)

	assert.ErrorIs(t, c.LoadConfig(nil), ErrConfig)
}

func TestLoadConfigCopies(t *testing.T) {
	c, _ := newTestClient(t)
	cfg := testConfig(t, 1080)
	require.NoError(t, c.LoadConfig(cfg))
	cfg.Inbound.Port = 2000
	assert.Equal(t, 1080, c.Config().Inbound.Port)
}

func TestTestConfigDoesNotMutate(t *testing.T) {
	c, fe := newTestClient(t)
	require.NoError(t, c.LoadConfig(testConfig(t, 1080)))
	require.NoError(t, c.Start())
	require.NoError(t, c.Stop())

	before, err := c.Stats()
	require.NoError(t, err)

	ok, err := c.TestConfig(testConfig(t, 1090))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, fe.checks)

	bad := testConfig(t, 1090)
	bad.Inbound.Port = 70000
	ok, err = c.TestConfig(bad)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrConfig)

	fe.checkErr = engine.ErrBind
	ok, err = c.TestConfig(testConfig(t, 1090))
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrEngine)
	assert.ErrorIs(t, err, engine.ErrBind)

	after, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.False(t, c.IsRunning())
	assert.Equal(t, StateStopped, c.State())
	assert.Empty(t, c.LastError())
	assert.Equal(t, 1080, c.Config().Inbound.Port)
	assert.Equal(t, 1, fe.instanceCount())
}

func TestStartEngineFailure(t *testing.T) {
	c, fe := newTestClient(t)
	require.NoError(t, c.LoadConfig(testConfig(t, 1080)))

	fe.startErr = engine.ErrBind
	err := c.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEngine)
	assert.ErrorIs(t, err, engine.ErrBind)
	assert.Equal(t, StateConfigured, c.State())
	assert.False(t, c.IsRunning())
	require.Equal(t, 1, fe.instanceCount())
	assert.True(t, fe.instances[0].closed.Load(), "failed instance should be closed")
	assert.Contains(t, c.LastError(), "start")

	fe.startErr = nil
	fe.newErr = errors.New("bad outbound")
	err = c.Start()
	assert.ErrorIs(t, err, ErrEngine)
	assert.Contains(t, c.LastError(), "bad outbound")

	fe.newErr = nil
	require.NoError(t, c.Start())
	assert.Contains(t, c.LastError(), "bad outbound", "last error is kept until the next failure")
}

func TestDestroy(t *testing.T) {
	c, fe := newTestClient(t)
	require.NoError(t, c.LoadConfig(testConfig(t, 1080)))
	require.NoError(t, c.Start())

	require.NoError(t, c.Destroy())
	assert.Equal(t, StateDestroyed, c.State())
	assert.False(t, c.IsRunning())
	assert.True(t, fe.instances[0].closed.Load())

	assert.ErrorIs(t, c.Start(), ErrState)
	assert.ErrorIs(t, c.Stop(), ErrState)
	assert.ErrorIs(t, c.LoadConfig(testConfig(t, 1080)), ErrState)
	assert.ErrorIs(t, c.LoadConfigFromFile("missing.json"), ErrState)
	_, err := c.Stats()
	assert.ErrorIs(t, err, ErrState)
	ok, err := c.TestConfig(testConfig(t, 1080))
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrState)
	assert.ErrorIs(t, c.Destroy(), ErrState)
	assert.Nil(t, c.Config())
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}

	tests := []struct {
		name    string
		path    string
		wantErr error
	}{
		{
			name:    "missing file",
			path:    filepath.Join(dir, "missing.json"),
			wantErr: ErrIO,
		},
		{
			name:    "malformed json",
			path:    write("bad.json", `{"inbound": `),
			wantErr: ErrParse,
		},
		{
			name:    "invalid config",
			path:    write("invalid.json", `{"inbound": {"protocol": "socks", "port": -1}, "outbound": {"protocol": "freedom"}}`),
			wantErr: ErrConfig,
		},
		{
			name: "valid yaml",
			path: write("good.yaml", "inbound:\n  protocol: http\n  port: 8080\noutbound:\n  protocol: freedom\n"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t)
			err := c.LoadConfigFromFile(tt.path)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, StateUninitialized, c.State())
				assert.NotEmpty(t, c.LastError())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, StateConfigured, c.State())
			assert.Equal(t, config.ProtocolHTTP, c.Config().Inbound.Protocol)
		})
	}
}

func TestWatchConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, config.WriteFile(path, testConfig(t, 1080)))

	c, fe := newTestClient(t, WithWatchConfig(true))
	require.NoError(t, c.LoadConfigFromFile(path))
	require.NoError(t, c.Start())

	require.NoError(t, config.WriteFile(path, testConfig(t, 1085)))
	require.Eventually(t, func() bool {
		return fe.instanceCount() == 2
	}, 5*time.Second, 20*time.Millisecond, "engine should restart with the new config")
	assert.Equal(t, 1085, fe.lastConfig().Inbound.Port)
	assert.True(t, c.IsRunning())
	assert.True(t, fe.instances[0].closed.Load())
}

func TestStateChangeEvents(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = map[[2]State]bool{}
	)
	sub := events.Subscribe(func(evt StateChangeEvent) {
		mu.Lock()
		seen[[2]State{evt.From, evt.To}] = true
		mu.Unlock()
	})
	defer events.Unsubscribe(sub)

	c, _ := newTestClient(t)
	require.NoError(t, c.LoadConfig(testConfig(t, 1080)))
	require.NoError(t, c.Start())
	require.NoError(t, c.Stop())
	require.NoError(t, c.Destroy())

	want := [][2]State{
		{StateUninitialized, StateConfigured},
		{StateConfigured, StateRunning},
		{StateRunning, StateStopped},
		{StateStopped, StateDestroyed},
	}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, w := range want {
			if !seen[w] {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)
}

func TestErrorFormat(t *testing.T) {
	err := newError(ErrEngine, "start", engine.ErrBind)
	assert.Equal(t, "start: engine error: cannot bind listen address", err.Error())
	assert.ErrorIs(t, err, ErrEngine)
	assert.ErrorIs(t, err, engine.ErrBind)
	assert.NotErrorIs(t, err, ErrState)

	var target *Error
	require.ErrorAs(t, error(err), &target)
	assert.Equal(t, "start", target.Op)
}

func TestStatsJSON(t *testing.T) {
	stats := Stats{
		Running: true,
		Status:  "running",
		Uptime:  90 * time.Second,
		Traffic: &engine.Traffic{Uplink: 1, Downlink: 2},
	}
	data, err := json.Marshal(stats)
	require.NoError(t, err)
	assert.JSONEq(t, `{"running":true,"status":"running","uptime":90,"traffic":{"uplink":1,"downlink":2}}`, string(data))

	var decoded Stats
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, stats, decoded)

	data, err = json.Marshal(Stats{Status: "stopped"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"running":false,"status":"stopped"}`, string(data))
}

func TestBuildVersion(t *testing.T) {
	v := BuildVersion()
	assert.True(t, strings.HasPrefix(v, "boxclient "+Version), v)
}

func TestConcurrentStartStop(t *testing.T) {
	c, fe := newTestClient(t)
	require.NoError(t, c.LoadConfig(testConfig(t, 1080)))

	var (
		starts atomic.Int32
		wg     sync.WaitGroup
	)
	for range 50 {
		wg.Add(4)
		go func() {
			defer wg.Done()
			if err := c.Start(); err == nil {
				starts.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrState)
			}
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Stop())
		}()
		go func() {
			defer wg.Done()
			if stats, err := c.Stats(); err == nil {
				assert.Equal(t, stats.Running, stats.Status == StateRunning.String())
			}
		}()
		go func() {
			defer wg.Done()
			c.IsRunning()
		}()
	}
	wg.Wait()

	fe.mu.Lock()
	instances := slices.Clone(fe.instances)
	fe.mu.Unlock()
	require.NotEmpty(t, instances)
	assert.Equal(t, int(starts.Load()), len(instances), "one instance per successful start")
	for i, inst := range instances[:len(instances)-1] {
		assert.True(t, inst.closed.Load(), "instance %d should be closed", i)
	}
	last := instances[len(instances)-1]
	assert.Equal(t, c.IsRunning(), !last.closed.Load())
}

func TestFailuresLogThroughClientLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	c, fe := newTestClient(t, WithLogger(logger))

	require.Error(t, c.Start())
	assert.NotContains(t, buf.String(), "level=ERROR", "rejected calls are not errors")

	fe.startErr = errors.New("listen tcp: address already in use")
	require.NoError(t, c.LoadConfig(testConfig(t, 1080)))
	require.Error(t, c.Start())
	assert.Contains(t, buf.String(), "Operation failed")
	assert.Contains(t, buf.String(), "address already in use")
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestDefaultEngineLifecycle(t *testing.T) {
	port := freePort(t)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	cfg, err := config.NewBuilder().
		LogLevel(config.LogNone).
		Socks("127.0.0.1", port, false).
		Freedom().
		Build()
	require.NoError(t, err)

	c := NewClient()
	t.Cleanup(func() {
		if c.State() != StateDestroyed {
			c.Destroy()
		}
	})
	require.NoError(t, c.LoadConfig(cfg))
	ok, err := c.TestConfig(cfg)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Start())
	stats, err := c.Stats()
	require.NoError(t, err)
	assert.True(t, stats.Running)
	require.NotNil(t, stats.Traffic)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err, "socks inbound should be listening")
	conn.Close()

	require.NoError(t, c.Stop())
	stats, err = c.Stats()
	require.NoError(t, err)
	assert.False(t, stats.Running)

	l, err := net.Listen("tcp", addr)
	require.NoError(t, err, "port should be released after stop")
	l.Close()

	require.NoError(t, c.Start(), "restart after stop")
	assert.True(t, c.IsRunning())
	require.NoError(t, c.Destroy())
}
