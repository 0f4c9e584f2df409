// Package engine runs the proxy engine that does the actual forwarding. Engine builds instances
// from a config; Instance is a single running (or ready to run) engine.
package engine

import (
	"errors"

	"github.com/getlantern/boxclient/config"
)

var (
	// ErrBind is returned when the inbound listen address cannot be bound.
	ErrBind = errors.New("cannot bind listen address")
	// ErrUnreachable is returned when the outbound server cannot be reached.
	ErrUnreachable = errors.New("outbound server unreachable")
)

// Traffic is the number of bytes relayed by an instance since it started.
type Traffic struct {
	Uplink   int64 `json:"uplink"`
	Downlink int64 `json:"downlink"`
}

// Engine creates engine instances.
type Engine interface {
	// New builds an instance for cfg without starting it.
	New(cfg *config.Config) (Instance, error)
	// Check performs a dry run: it builds an instance for cfg, closes it without starting it and
	// checks that the listen address can be bound.
	Check(cfg *config.Config) error
	// Version identifies the engine build.
	Version() string
}

// Instance is a single engine instance. Start and Close may each be called at most once.
type Instance interface {
	Start() error
	Close() error
	// Traffic returns the traffic relayed so far. ok is false if the instance does not track
	// traffic.
	Traffic() (t Traffic, ok bool)
}
