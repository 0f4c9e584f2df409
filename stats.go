package boxclient

import (
	"time"

	"github.com/sagernet/sing/common/json"

	"github.com/getlantern/boxclient/engine"
)

// Stats is a snapshot of the client's runtime statistics.
type Stats struct {
	Running bool
	// Status is the lifecycle state name, e.g. "running" or "stopped".
	Status string
	// Uptime is how long the current session has been running, or how long the last session ran
	// once stopped. Zero if unknown.
	Uptime time.Duration
	// Traffic is nil if the engine does not track traffic.
	Traffic *engine.Traffic
}

type statsJSON struct {
	Running bool            `json:"running"`
	Status  string          `json:"status"`
	Uptime  *float64        `json:"uptime,omitempty"`
	Traffic *engine.Traffic `json:"traffic,omitempty"`
}

// MarshalJSON encodes the uptime as seconds.
func (s Stats) MarshalJSON() ([]byte, error) {
	v := statsJSON{Running: s.Running, Status: s.Status, Traffic: s.Traffic}
	if s.Uptime > 0 {
		secs := s.Uptime.Seconds()
		v.Uptime = &secs
	}
	return json.Marshal(v)
}

func (s *Stats) UnmarshalJSON(data []byte) error {
	var v statsJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = Stats{Running: v.Running, Status: v.Status, Traffic: v.Traffic}
	if v.Uptime != nil {
		s.Uptime = time.Duration(*v.Uptime * float64(time.Second))
	}
	return nil
}

// session is one Start..Stop run of the engine.
type session struct {
	instance engine.Instance
	started  time.Time
}

func (s *session) stats(status string, running bool, now time.Time) Stats {
	stats := Stats{
		Running: running,
		Status:  status,
		Uptime:  now.Sub(s.started),
	}
	if t, ok := s.instance.Traffic(); ok {
		stats.Traffic = &t
	}
	return stats
}
