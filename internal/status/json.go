package status

import (
	"encoding/json"
	"time"

	"github.com/sweeney/flow-sensor/internal/flow"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string        `json:"event,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	Interface     string        `json:"interface"`
	SensorType    string        `json:"sensor_type"`
	Connection    string        `json:"connection"`
	Ready         bool          `json:"ready"`
	Units         string        `json:"units"`
	RateUnits     string        `json:"rate_units"`
	Channels      []ChannelJSON `json:"channels"`
	LastSample    string        `json:"last_sample,omitempty"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	StartTime     string        `json:"start_time"`
	Timestamp     string        `json:"timestamp"`
	MQTT          MQTTStatus    `json:"mqtt"`
	Counts        CountsJSON    `json:"counts"`
	Network       *NetworkJSON  `json:"network,omitempty"`
	Config        ConfigJSON    `json:"config"`
}

// ChannelJSON is one sensor slot. Channel numbers are 1-based for display.
type ChannelJSON struct {
	Channel int     `json:"channel"`
	Rate    float64 `json:"rate"`
	Amount  float64 `json:"amount"`
	Usage   string  `json:"usage"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of sampler counters.
type CountsJSON struct {
	Cycles    int    `json:"cycles"`
	Errors    int    `json:"errors"`
	Resets    int    `json:"resets"`
	LastError string `json:"last_error,omitempty"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	IntervalMs     int64   `json:"interval_ms"`
	Broker         string  `json:"broker"`
	HTTPPort       string  `json:"http_port"`
	SerialDevice   string  `json:"serial_device"`
	PulsesPerLiter float64 `json:"pulses_per_liter"`
}

// Channels returns the per-channel view of a reading.
func Channels(r flow.Reading) []ChannelJSON {
	out := make([]ChannelJSON, flow.NumChannels)
	for i := range out {
		out[i] = ChannelJSON{
			Channel: i + 1,
			Rate:    r.Rates[i],
			Amount:  r.Amounts[i],
			Usage:   flow.FormatAmount(r.Amounts[i]),
		}
	}
	return out
}

func buildInner(snap Snapshot) StatusInner {
	iface := string(snap.Interface)
	if iface == "" {
		iface = "UNKNOWN"
	}
	conn := string(snap.Connection)
	if conn == "" {
		conn = "UNKNOWN"
	}

	inner := StatusInner{
		Interface:     iface,
		SensorType:    snap.SensorType,
		Connection:    conn,
		Ready:         snap.Ready(),
		Units:         string(snap.Reading.Units),
		RateUnits:     snap.Reading.RateUnits,
		Channels:      Channels(snap.Reading),
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			Cycles:    snap.Stats.Cycles,
			Errors:    snap.Stats.Errors,
			Resets:    snap.Stats.Resets,
			LastError: snap.Stats.LastError,
		},
		Config: ConfigJSON{
			IntervalMs:     snap.Config.IntervalMs,
			Broker:         snap.Config.Broker,
			HTTPPort:       snap.Config.HTTPPort,
			SerialDevice:   snap.Config.SerialDevice,
			PulsesPerLiter: snap.PulsesPerLiter,
		},
	}
	if !snap.Reading.Time.IsZero() {
		inner.LastSample = snap.Reading.Time.UTC().Format(time.RFC3339)
	}
	return inner
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
