package pomegranate

import "time"

// Config holds the tunables shared by the coordinator and worker runtimes.
type Config struct {
	// HeartbeatInterval is how often a heartbeat is sent on an otherwise
	// idle connection.
	HeartbeatInterval time.Duration

	// LivenessMultiplier scales HeartbeatInterval into the liveness timeout:
	// if no frame (heartbeats included) arrives within
	// HeartbeatInterval * LivenessMultiplier, the connection is declared
	// dead and the session suspends.
	LivenessMultiplier int

	// SessionGracePeriod is how long a suspended session may wait for a
	// resume before it expires and its in-flight units are redispatched.
	SessionGracePeriod time.Duration

	// ReconnectInitial is the first reconnect delay on the worker side.
	ReconnectInitial time.Duration

	// ReconnectMax caps the reconnect delay.
	ReconnectMax time.Duration

	// ReconnectFlat is the number of attempts at each delay before it
	// doubles. Zero means the delay never grows.
	ReconnectFlat int

	// MaxUnitsInFlight is the per-worker concurrent unit limit. The
	// coordinator will not dispatch beyond it and the worker processes at
	// most this many units at once.
	MaxUnitsInFlight int

	// MaxFrameSize bounds a single wire frame. Oversize frames are treated
	// as malformed and tear down the connection.
	MaxFrameSize uint64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:  5 * time.Second,
		LivenessMultiplier: 3,
		SessionGracePeriod: 60 * time.Second,
		ReconnectInitial:   1 * time.Second,
		ReconnectMax:       30 * time.Second,
		ReconnectFlat:      5,
		MaxUnitsInFlight:   10,
		MaxFrameSize:       16 << 20,
	}
}

// LivenessTimeout returns the derived receive timeout.
func (c Config) LivenessTimeout() time.Duration {
	m := c.LivenessMultiplier
	if m < 2 {
		m = 2
	}
	return c.HeartbeatInterval * time.Duration(m)
}
