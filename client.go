// Package boxclient manages the lifecycle of a local proxy built on an embedded engine. A [Client]
// accepts a [config.Config], validates it, starts and stops the engine, and reports running status
// and traffic statistics. The engine itself is reached only through the [engine.Engine] interface;
// by default it is sing-box.
package boxclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/getlantern/boxclient/assets"
	"github.com/getlantern/boxclient/config"
	"github.com/getlantern/boxclient/engine"
	"github.com/getlantern/boxclient/events"
	"github.com/getlantern/boxclient/internal"
	"github.com/getlantern/boxclient/metrics"
	"github.com/getlantern/boxclient/traces"
)

const tracerName = "github.com/getlantern/boxclient"

// Client is a handle on a single proxy engine instance. All methods are safe for concurrent use.
// Operations touching the engine are serialized; IsRunning, State and LastError never block.
type Client struct {
	mu sync.Mutex

	state   atomic.Int32
	lastErr atomic.Pointer[string]
	live    atomic.Pointer[session]

	logger  *slog.Logger
	engine  engine.Engine
	assets  *assets.Manager
	watch   bool
	metrics *metrics.Lifecycle

	// guarded by mu
	cfg     *config.Config
	cfgPath string
	watcher *internal.FileWatcher
	last    *Stats
}

// NewClient returns a client in the [StateUninitialized] state.
func NewClient(opts ...Option) *Client {
	c := &Client{}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = internal.NoOpLogger()
	}
	if c.engine == nil {
		sb := &engine.SingBox{Logger: c.logger}
		if c.assets != nil {
			sb.AssetDir = c.assets.Dir()
		}
		c.engine = sb
	}
	c.metrics = metrics.NewLifecycle(c.traffic)
	return c
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// IsRunning reports whether the engine is running.
func (c *Client) IsRunning() bool {
	return c.State() == StateRunning
}

// LastError returns the message of the most recent failed operation, or "" if none failed.
func (c *Client) LastError() string {
	if msg := c.lastErr.Load(); msg != nil {
		return *msg
	}
	return ""
}

// Config returns a copy of the loaded configuration, or nil if none is loaded.
func (c *Client) Config() *config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg == nil {
		return nil
	}
	cfg, err := c.cfg.Clone()
	if err != nil {
		c.logger.Error("Failed to copy config", "error", err)
		return nil
	}
	return cfg
}

// EngineVersion identifies the engine build used by this client.
func (c *Client) EngineVersion() string {
	return c.engine.Version()
}

func (c *Client) setState(to State, cause error) {
	from := State(c.state.Swap(int32(to)))
	if from == to {
		return
	}
	evt := StateChangeEvent{From: from, To: to}
	if cause != nil {
		evt.Err = cause.Error()
	}
	c.logger.Debug("State changed", "from", from, "to", to)
	events.Emit(evt)
}

// fail records err on the span in ctx and as the last error.
func (c *Client) fail(ctx context.Context, kind error, op string, err error) error {
	e := newError(kind, op, err)
	msg := e.Error()
	c.lastErr.Store(&msg)
	if errors.Is(kind, ErrState) {
		c.logger.Debug("Operation rejected", "op", op, "error", err)
	} else {
		c.logger.Error("Operation failed", "op", op, "error", e)
	}
	return traces.RecordError(ctx, e)
}

func (c *Client) traffic() (engine.Traffic, bool) {
	s := c.live.Load()
	if s == nil {
		return engine.Traffic{}, false
	}
	return s.instance.Traffic()
}

// LoadConfig validates cfg and stores a copy of it. It fails with [ErrConfig] if cfg is invalid and
// with [ErrState] while the engine is running. On failure the state is unchanged.
func (c *Client) LoadConfig(cfg *config.Config) error {
	ctx, span := otel.Tracer(tracerName).Start(context.Background(), "load_config")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLoadable(); err != nil {
		return c.fail(ctx, ErrState, "load_config", err)
	}
	if cfg == nil {
		return c.fail(ctx, ErrConfig, "load_config", errNilConfig)
	}
	if err := config.Validate(cfg); err != nil {
		return c.fail(ctx, ErrConfig, "load_config", err)
	}
	stored, err := cfg.Clone()
	if err != nil {
		return c.fail(ctx, ErrConfig, "load_config", err)
	}
	c.storeConfigLocked(stored, "")
	return nil
}

// LoadConfigFromFile reads, parses and validates the config document at path. JSON and YAML are
// supported, chosen by the file extension. It fails with [ErrIO] if the file cannot be read, with
// [ErrParse] if the document is malformed and with [ErrConfig] if validation fails.
func (c *Client) LoadConfigFromFile(path string) error {
	ctx, span := otel.Tracer(tracerName).Start(
		context.Background(),
		"load_config_from_file",
		trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLoadable(); err != nil {
		return c.fail(ctx, ErrState, "load_config_from_file", err)
	}
	cfg, err := readConfig(path)
	if err != nil {
		return c.fail(ctx, loadErrorKind(err), "load_config_from_file", err)
	}
	c.storeConfigLocked(cfg, path)
	if c.watch {
		c.watchLocked(path)
	}
	return nil
}

func (c *Client) checkLoadable() error {
	switch c.State() {
	case StateDestroyed:
		return errDestroyed
	case StateRunning:
		return fmt.Errorf("cannot load config: %w", errRunning)
	}
	return nil
}

// readConfig loads and validates the document at path.
func readConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadErrorKind classifies an error from readConfig.
func loadErrorKind(err error) error {
	switch {
	case errors.Is(err, config.ErrInvalid):
		return ErrConfig
	case errors.Is(err, config.ErrParse):
		return ErrParse
	default:
		return ErrIO
	}
}

func (c *Client) storeConfigLocked(cfg *config.Config, path string) {
	c.cfg = cfg
	if path != c.cfgPath && c.watcher != nil {
		c.watcher.Close()
		c.watcher = nil
	}
	c.cfgPath = path
	c.logger.Info("Config loaded",
		"inbound", cfg.Inbound.Protocol,
		"outbound", cfg.Outbound.Protocol,
		"path", path)
	if c.State() != StateConfigured {
		c.setState(StateConfigured, nil)
	}
}

func (c *Client) watchLocked(path string) {
	if c.watcher != nil {
		return
	}
	c.watcher = internal.NewFileWatcher(path, c.reload, c.logger)
	if err := c.watcher.Start(); err != nil {
		c.logger.Error("Failed to watch config file", "path", path, "error", err)
		c.watcher = nil
	}
}

// reload re-reads the watched config file. A running engine is restarted with the new config. A
// config that fails to load is recorded as the last error and the old config is kept.
func (c *Client) reload() {
	ctx, span := otel.Tracer(tracerName).Start(context.Background(), "reload_config")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() == StateDestroyed || c.cfgPath == "" {
		return
	}
	cfg, err := readConfig(c.cfgPath)
	if err != nil {
		c.logger.Warn("Keeping previous config", "path", c.cfgPath, "error", err)
		c.fail(ctx, loadErrorKind(err), "reload_config", err)
		return
	}
	c.logger.Info("Config file changed, reloading", "path", c.cfgPath)
	if c.State() != StateRunning {
		c.storeConfigLocked(cfg, c.cfgPath)
		return
	}
	if err := c.stopLocked(ctx); err != nil {
		c.fail(ctx, ErrEngine, "reload_config", err)
	}
	c.cfg = cfg
	if err := c.startLocked(ctx); err != nil {
		c.fail(ctx, errorKind(err), "reload_config", err)
	}
}

// TestConfig validates cfg and performs a dry run of the engine: the engine is built but not
// started, and the listen address is checked to be bindable. It returns false and the reason if
// cfg would not start. It never changes the client's state, stored config, stats or last error.
func (c *Client) TestConfig(cfg *config.Config) (bool, error) {
	ctx, span := otel.Tracer(tracerName).Start(context.Background(), "test_config")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() == StateDestroyed {
		return false, traces.RecordError(ctx, newError(ErrState, "test_config", errDestroyed))
	}
	if cfg == nil {
		return false, traces.RecordError(ctx, newError(ErrConfig, "test_config", errNilConfig))
	}
	if err := config.Validate(cfg); err != nil {
		return false, traces.RecordError(ctx, newError(ErrConfig, "test_config", err))
	}
	if err := c.ensureAssets(ctx, cfg); err != nil {
		return false, traces.RecordError(ctx, newError(ErrIO, "test_config", err))
	}
	if err := c.engine.Check(cfg); err != nil {
		return false, traces.RecordError(ctx, newError(ErrEngine, "test_config", err))
	}
	return true, nil
}

func (c *Client) ensureAssets(ctx context.Context, cfg *config.Config) error {
	names := cfg.RuleSets()
	if c.assets == nil || len(names) == 0 {
		return nil
	}
	if err := c.assets.Ensure(ctx, names...); err != nil {
		return fmt.Errorf("fetch rule sets: %w", err)
	}
	return nil
}

// Start launches the engine with the loaded config. It fails with [ErrState] if no config is
// loaded or the engine is already running, and with [ErrEngine] if the engine cannot be built,
// cannot bind its listen address or cannot reach its outbound server.
func (c *Client) Start() error {
	ctx, span := otel.Tracer(tracerName).Start(context.Background(), "start")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.State() {
	case StateDestroyed:
		return c.fail(ctx, ErrState, "start", errDestroyed)
	case StateRunning:
		return c.fail(ctx, ErrState, "start", fmt.Errorf("already started: %w", errRunning))
	case StateUninitialized:
		return c.fail(ctx, ErrState, "start", errNotConfigured)
	}
	if c.cfg == nil {
		return c.fail(ctx, ErrState, "start", errNotConfigured)
	}
	if err := c.startLocked(ctx); err != nil {
		return c.fail(ctx, errorKind(err), "start", err)
	}
	return nil
}

// assetError marks failures fetching assets so they are reported as I/O errors.
type assetError struct{ error }

func (e assetError) Unwrap() error { return e.error }

func errorKind(err error) error {
	var ae assetError
	if errors.As(err, &ae) {
		return ErrIO
	}
	return ErrEngine
}

func (c *Client) startLocked(ctx context.Context) error {
	if err := c.ensureAssets(ctx, c.cfg); err != nil {
		c.metrics.StartFailed(ctx, "assets")
		return assetError{err}
	}
	inst, err := c.engine.New(c.cfg)
	if err != nil {
		c.metrics.StartFailed(ctx, "engine")
		return err
	}
	if err := inst.Start(); err != nil {
		c.metrics.StartFailed(ctx, "engine")
		if cerr := inst.Close(); cerr != nil {
			c.logger.Warn("Failed to close engine after failed start", "error", cerr)
		}
		return err
	}
	c.live.Store(&session{instance: inst, started: time.Now()})
	c.metrics.Started(ctx)
	c.logger.Info("Engine started", "listen", c.cfg.Inbound.ListenAddr(), "outbound", c.cfg.Outbound.Protocol)
	c.setState(StateRunning, nil)
	return nil
}

// Stop shuts the engine down and waits for it to finish. It does nothing if the engine is not
// running. The client moves to [StateStopped] even if the engine reports an error on close.
func (c *Client) Stop() error {
	ctx, span := otel.Tracer(tracerName).Start(context.Background(), "stop")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.State() {
	case StateDestroyed:
		return c.fail(ctx, ErrState, "stop", errDestroyed)
	case StateRunning:
	default:
		return nil
	}
	if err := c.stopLocked(ctx); err != nil {
		return c.fail(ctx, ErrEngine, "stop", err)
	}
	return nil
}

func (c *Client) stopLocked(ctx context.Context) error {
	s := c.live.Load()
	if s == nil {
		return nil
	}
	now := time.Now()
	last := s.stats(StateStopped.String(), false, now)
	err := s.instance.Close()
	c.live.Store(nil)
	c.last = &last
	c.metrics.Stopped(ctx, now.Sub(s.started))
	c.logger.Info("Engine stopped", "uptime", last.Uptime)
	var cause error
	if err != nil {
		cause = fmt.Errorf("close engine: %w", err)
	}
	c.setState(StateStopped, cause)
	return cause
}

// Stats returns the runtime statistics. While running, uptime and traffic are read from the live
// engine; once stopped, those of the last session are returned. It fails with [ErrState] if the
// engine was never started.
func (c *Client) Stats() (Stats, error) {
	ctx, span := otel.Tracer(tracerName).Start(context.Background(), "stats")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.State()
	if state == StateDestroyed {
		return Stats{}, c.fail(ctx, ErrState, "stats", errDestroyed)
	}
	if s := c.live.Load(); s != nil {
		return s.stats(state.String(), true, time.Now()), nil
	}
	if c.last == nil {
		return Stats{}, c.fail(ctx, ErrState, "stats", errNotStarted)
	}
	return *c.last, nil
}

// Destroy stops the engine if it is running and releases the client's resources. Every later
// call fails with [ErrState].
func (c *Client) Destroy() error {
	ctx, span := otel.Tracer(tracerName).Start(context.Background(), "destroy")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() == StateDestroyed {
		return c.fail(ctx, ErrState, "destroy", errDestroyed)
	}
	var errs []error
	if err := c.stopLocked(ctx); err != nil {
		errs = append(errs, err)
	}
	if c.watcher != nil {
		if err := c.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close watcher: %w", err))
		}
		c.watcher = nil
	}
	if err := c.metrics.Close(); err != nil {
		c.logger.Warn("Failed to unregister metrics", "error", err)
	}
	c.cfg = nil
	c.cfgPath = ""
	c.last = nil
	c.setState(StateDestroyed, nil)
	if len(errs) > 0 {
		return c.fail(ctx, ErrEngine, "destroy", errors.Join(errs...))
	}
	return nil
}
