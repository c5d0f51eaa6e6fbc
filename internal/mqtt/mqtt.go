// Package mqtt publishes flow readings and lifecycle events, and listens for
// run-start notifications, with an abstraction for testing.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sweeney/flow-sensor/internal/flow"
)

// Topic is the MQTT topic for per-cycle flow readings.
const Topic = "irrigation/flow/sensor/readings"

// TopicRuns is the MQTT topic for completed run totals.
const TopicRuns = "irrigation/flow/sensor/runs"

// TopicSystem is the MQTT topic for system lifecycle events.
const TopicSystem = "irrigation/flow/sensor/system"

// TopicStationsScheduled is the inbound topic the irrigation controller
// publishes to when a program or manual run starts.
const TopicStationsScheduled = "irrigation/sip/stations_scheduled"

// Publisher publishes flow data to MQTT.
type Publisher interface {
	// Publish sends a reading to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(r flow.Reading) error

	// PublishRun sends the totals of a finished run.
	PublishRun(run flow.RunSummary) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "RECONNECTED"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Payload represents the MQTT message payload for a reading.
type Payload struct {
	Flow FlowPayload `json:"flow"`
}

// FlowPayload contains the reading details.
type FlowPayload struct {
	Timestamp string           `json:"timestamp"`
	Units     string           `json:"units"`
	RateUnits string           `json:"rate_units"`
	Channels  []ChannelPayload `json:"channels"`
}

// ChannelPayload is a single channel, 1-based.
type ChannelPayload struct {
	Channel int     `json:"channel"`
	Rate    float64 `json:"rate"`
	Amount  float64 `json:"amount"`
}

// round2 rounds v to two decimal places for the wire.
func round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

// FormatPayload creates the JSON payload for a reading.
func FormatPayload(r flow.Reading) ([]byte, error) {
	channels := make([]ChannelPayload, flow.NumChannels)
	for i := range channels {
		channels[i] = ChannelPayload{
			Channel: i + 1,
			Rate:    round2(r.Rates[i]),
			Amount:  round2(r.Amounts[i]),
		}
	}
	payload := Payload{
		Flow: FlowPayload{
			Timestamp: r.Time.UTC().Format(time.RFC3339),
			Units:     string(r.Units),
			RateUnits: r.RateUnits,
			Channels:  channels,
		},
	}
	return json.Marshal(payload)
}

// RunPayload represents the MQTT message payload for a finished run.
type RunPayload struct {
	Run RunPayloadInner `json:"run"`
}

// RunPayloadInner contains the run totals.
type RunPayloadInner struct {
	Start           string    `json:"start"`
	End             string    `json:"end"`
	DurationSeconds int64     `json:"duration_seconds"`
	Units           string    `json:"units"`
	Cycles          int       `json:"cycles"`
	Amounts         []float64 `json:"amounts"`
}

// FormatRunPayload creates the JSON payload for a finished run.
func FormatRunPayload(run flow.RunSummary) ([]byte, error) {
	amounts := make([]float64, flow.NumChannels)
	for i := range amounts {
		amounts[i] = round2(run.Amounts[i])
	}
	payload := RunPayload{
		Run: RunPayloadInner{
			Start:           run.Start.UTC().Format(time.RFC3339),
			End:             run.End.UTC().Format(time.RFC3339),
			DurationSeconds: int64(run.Duration().Truncate(time.Second).Seconds()),
			Units:           string(run.Units),
			Cycles:          run.Cycles,
			Amounts:         amounts,
		},
	}
	return json.Marshal(payload)
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
