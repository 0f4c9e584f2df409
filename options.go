package boxclient

import (
	"log/slog"

	"github.com/getlantern/boxclient/assets"
	"github.com/getlantern/boxclient/engine"
)

// Option configures a [Client].
type Option func(*Client)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithEngine sets the proxy engine. The default is an embedded sing-box reading rule sets from
// the asset manager's directory.
func WithEngine(e engine.Engine) Option {
	return func(c *Client) {
		c.engine = e
	}
}

// WithAssets sets the manager used to fetch rule-set assets referenced by the routing rules
// before the engine starts.
func WithAssets(m *assets.Manager) Option {
	return func(c *Client) {
		c.assets = m
	}
}

// WithWatchConfig makes the client reload a config loaded with [Client.LoadConfigFromFile]
// whenever the file changes, restarting the engine if it is running.
func WithWatchConfig(watch bool) Option {
	return func(c *Client) {
		c.watch = watch
	}
}
