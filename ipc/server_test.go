//go:build !windows

package ipc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getlantern/boxclient"
	"github.com/getlantern/boxclient/assets"
	"github.com/getlantern/boxclient/config"
	"github.com/getlantern/boxclient/engine"
)

type fakeService struct {
	mu       sync.Mutex
	state    boxclient.State
	lastErr  string
	startErr error
	loaded   string
	tested   *config.Config
}

func (s *fakeService) State() boxclient.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeService) LastError() string     { return s.lastErr }
func (s *fakeService) EngineVersion() string { return "fake 1.0" }

func (s *fakeService) Stats() (boxclient.Stats, error) {
	if s.State() != boxclient.StateRunning {
		return boxclient.Stats{}, &boxclient.Error{Kind: boxclient.ErrState, Op: "stats", Err: errors.New("client has not been started")}
	}
	return boxclient.Stats{
		Running: true,
		Status:  "running",
		Uptime:  2 * time.Second,
		Traffic: &engine.Traffic{Uplink: 5, Downlink: 7},
	}, nil
}

func (s *fakeService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.state = boxclient.StateRunning
	return nil
}

func (s *fakeService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == boxclient.StateRunning {
		s.state = boxclient.StateStopped
	}
	return nil
}

func (s *fakeService) LoadConfigFromFile(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = path
	s.state = boxclient.StateConfigured
	return nil
}

func (s *fakeService) TestConfig(cfg *config.Config) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tested = cfg
	return true, nil
}

func startTestServer(t *testing.T, svc Service) {
	t.Helper()
	dir, err := os.MkdirTemp("", "ipc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	srv := NewServer(svc, nil)
	require.NoError(t, srv.Start(dir))
	t.Cleanup(func() { srv.Close() })
	SetSocketPath(dir)
}

func TestServer(t *testing.T) {
	svc := &fakeService{}
	startTestServer(t, svc)
	ctx := context.Background()

	status, err := GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "uninitialized", status.State)
	assert.False(t, status.Running)
	assert.Equal(t, boxclient.Version, status.Version)
	assert.Equal(t, "fake 1.0", status.Engine)

	_, err = GetStats(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, boxclient.ErrState)
	var rerr *RemoteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 409, rerr.StatusCode)

	cfgPath := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{
		"inbound": {"protocol": "socks", "port": 1080},
		"outbound": {"protocol": "freedom"}
	}`), 0o644))

	require.NoError(t, LoadConfig(ctx, cfgPath))
	assert.Equal(t, cfgPath, svc.loaded)

	res, err := TestConfig(ctx, cfgPath)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	require.NotNil(t, svc.tested)
	assert.Equal(t, 1080, svc.tested.Inbound.Port)

	res, err = TestConfig(ctx, filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.Error)

	require.NoError(t, StartService(ctx))
	require.NoError(t, StartService(ctx), "starting a running service is a no-op")
	stats, err := GetStats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Running)
	assert.Equal(t, 2*time.Second, stats.Uptime)
	require.NotNil(t, stats.Traffic)
	assert.Equal(t, int64(7), stats.Traffic.Downlink)

	require.NoError(t, StopService(ctx))
	status, err = GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "stopped", status.State)
}

func TestServerStartError(t *testing.T) {
	svc := &fakeService{
		startErr: &boxclient.Error{Kind: boxclient.ErrEngine, Op: "start", Err: engine.ErrBind},
	}
	startTestServer(t, svc)

	err := StartService(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boxclient.ErrEngine)
	assert.Contains(t, err.Error(), "cannot bind listen address")
}

func TestLoadConfigRequiresPath(t *testing.T) {
	startTestServer(t, &fakeService{})
	err := LoadConfig(context.Background(), "")
	require.Error(t, err)
	var rerr *RemoteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 400, rerr.StatusCode)
}

func TestNotRunning(t *testing.T) {
	SetSocketPath(t.TempDir())
	_, err := GetStatus(context.Background())
	assert.ErrorIs(t, err, ErrIPCNotRunning)
}

func TestServerOutlivesAssetFetch(t *testing.T) {
	dir, err := os.MkdirTemp("", "ipc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	srv := NewServer(&fakeService{}, nil)
	require.NoError(t, srv.Start(dir))
	t.Cleanup(func() { srv.Close() })
	assert.Greater(t, srv.svr.WriteTimeout, assets.EnsureTimeout,
		"a start that fetches rule sets must be answered before the write deadline")
}
