// Package status provides a thread-safe status tracker for the flow-sensor daemon.
// It is read by HTTP handlers and MQTT system events.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/flow-sensor/internal/counter"
	"github.com/sweeney/flow-sensor/internal/flow"
	"github.com/sweeney/flow-sensor/internal/sampler"
)

// NetworkInfo contains network state. This is a local copy to avoid
// importing internal/mqtt from status.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	IntervalMs   int64
	Broker       string
	HTTPPort     string
	SerialDevice string
	SettingsPath string
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Reading        flow.Reading
	Interface      flow.InterfaceKind
	SensorType     string
	PulsesPerLiter float64
	Connection     counter.ConnState
	Stats          sampler.Stats
	StartTime      time.Time
	Now            time.Time
	MQTTConnected  bool
	Network        *NetworkInfo
	Config         Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Ready reports whether the hardware link is usable and at least one
// cycle has completed.
func (s Snapshot) Ready() bool {
	return s.Connection == counter.Ready && s.Stats.Cycles > 0
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime:  startTime,
			Config:     cfg,
			Connection: counter.Disconnected,
		},
	}
}

// Update copies the sampler's published state.
// Called from the sampler hooks after every cycle, reset and error.
func (t *Tracker) Update(st sampler.Status) {
	t.mu.Lock()
	t.snap.Reading = st.Reading
	t.snap.Interface = st.Settings.Interface
	t.snap.SensorType = st.Settings.SensorType
	t.snap.PulsesPerLiter = st.Settings.PulsesPerLiter
	t.snap.Connection = st.Connection
	t.snap.Stats = st.Stats
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
