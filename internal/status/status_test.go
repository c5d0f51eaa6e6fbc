package status

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/flow-sensor/internal/config"
	"github.com/sweeney/flow-sensor/internal/counter"
	"github.com/sweeney/flow-sensor/internal/flow"
	"github.com/sweeney/flow-sensor/internal/sampler"
)

func sampleStatus() sampler.Status {
	r := flow.Reading{
		Time:      time.Date(2026, 1, 1, 0, 10, 0, 0, time.UTC),
		Units:     flow.Liters,
		RateUnits: "LpH",
	}
	r.Rates[0] = 533.3333
	r.Amounts[0] = 12.345
	r.Amounts[7] = 1
	return sampler.Status{
		Settings:   config.Defaults(),
		Reading:    r,
		Connection: counter.Ready,
		Stats:      sampler.Stats{Cycles: 5, Errors: 1, Resets: 2, LastError: "counter read: timeout"},
	}
}

func TestNewTracker(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := Config{IntervalMs: 3000, Broker: "tcp://localhost:1883", HTTPPort: ":8080"}
	tr := NewTracker(start, cfg)

	snap := tr.Snapshot()
	if !snap.StartTime.Equal(start) {
		t.Errorf("StartTime: got %v, want %v", snap.StartTime, start)
	}
	if snap.Config.IntervalMs != 3000 {
		t.Errorf("Config.IntervalMs: got %d, want 3000", snap.Config.IntervalMs)
	}
	if snap.Connection != counter.Disconnected {
		t.Errorf("Connection: got %q, want DISCONNECTED", snap.Connection)
	}
	if snap.Ready() {
		t.Error("expected Ready=false initially")
	}
	if snap.MQTTConnected {
		t.Error("expected MQTTConnected=false initially")
	}
}

func TestUpdateAndSnapshot(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	tr.Update(sampleStatus())

	snap := tr.Snapshot()
	if snap.Interface != flow.Simulated {
		t.Errorf("Interface: got %q, want Simulated", snap.Interface)
	}
	if snap.PulsesPerLiter != 450 {
		t.Errorf("PulsesPerLiter: got %v, want 450", snap.PulsesPerLiter)
	}
	if snap.Reading.Amounts[0] != 12.345 {
		t.Errorf("Amounts[0]: got %v, want 12.345", snap.Reading.Amounts[0])
	}
	if snap.Stats.Cycles != 5 {
		t.Errorf("Stats.Cycles: got %d, want 5", snap.Stats.Cycles)
	}
	if !snap.Ready() {
		t.Error("expected Ready=true")
	}
}

func TestReadyNeedsCycle(t *testing.T) {
	snap := Snapshot{Connection: counter.Ready}
	if snap.Ready() {
		t.Error("expected Ready=false before the first cycle")
	}
	snap.Stats.Cycles = 1
	snap.Connection = counter.Connecting
	if snap.Ready() {
		t.Error("expected Ready=false while connecting")
	}
}

func TestSetMQTTConnected(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})

	tr.SetMQTTConnected(true)
	if !tr.Snapshot().MQTTConnected {
		t.Error("expected MQTTConnected=true")
	}

	tr.SetMQTTConnected(false)
	if tr.Snapshot().MQTTConnected {
		t.Error("expected MQTTConnected=false")
	}
}

func TestSetNetwork(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})

	if tr.Snapshot().Network != nil {
		t.Error("expected nil Network initially")
	}

	net := &NetworkInfo{Type: "wifi", IP: "192.168.1.42", Status: "connected"}
	tr.SetNetwork(net)

	snap := tr.Snapshot()
	if snap.Network == nil {
		t.Fatal("expected non-nil Network")
	}
	if snap.Network.IP != "192.168.1.42" {
		t.Errorf("Network.IP: got %q, want %q", snap.Network.IP, "192.168.1.42")
	}
}

func TestSnapshotUptime(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := Snapshot{
		StartTime: start,
		Now:       start.Add(15 * time.Minute),
	}

	if snap.Uptime() != 15*time.Minute {
		t.Errorf("Uptime: got %v, want 15m", snap.Uptime())
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	tr.Update(sampleStatus())

	snap1 := tr.Snapshot()

	next := sampleStatus()
	next.Reading.Amounts[0] = 99
	tr.Update(next)

	if snap1.Reading.Amounts[0] != 12.345 {
		t.Error("snapshot should be a copy; Amounts was modified")
	}
}

func TestFormatJSON(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := NewTracker(start, Config{IntervalMs: 3000, Broker: "tcp://localhost:1883", HTTPPort: ":8080", SerialDevice: "/dev/ttyACM0"})
	tr.Update(sampleStatus())
	tr.SetMQTTConnected(true)
	snap := tr.Snapshot()
	snap.Now = start.Add(15 * time.Minute)

	data := FormatJSON(snap)

	var parsed StatusJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	s := parsed.Status
	if s.Interface != "Simulated" {
		t.Errorf("Interface: got %q, want Simulated", s.Interface)
	}
	if s.Connection != "READY" || !s.Ready {
		t.Errorf("Connection: got %q ready=%v, want READY ready=true", s.Connection, s.Ready)
	}
	if s.RateUnits != "LpH" || s.Units != "Liters" {
		t.Errorf("units: got %q/%q", s.Units, s.RateUnits)
	}
	if len(s.Channels) != flow.NumChannels {
		t.Fatalf("Channels: got %d, want %d", len(s.Channels), flow.NumChannels)
	}
	if s.Channels[0].Channel != 1 || s.Channels[0].Usage != "12.35" {
		t.Errorf("Channels[0]: got %+v", s.Channels[0])
	}
	if s.Channels[7].Usage != "1.00" {
		t.Errorf("Channels[7].Usage: got %q, want 1.00", s.Channels[7].Usage)
	}
	if s.UptimeSeconds != 900 {
		t.Errorf("UptimeSeconds: got %d, want 900", s.UptimeSeconds)
	}
	if s.LastSample != "2026-01-01T00:10:00Z" {
		t.Errorf("LastSample: got %q", s.LastSample)
	}
	if !s.MQTT.Connected {
		t.Error("expected MQTT.Connected=true")
	}
	if s.Counts.Cycles != 5 || s.Counts.Errors != 1 || s.Counts.Resets != 2 {
		t.Errorf("Counts: got %+v", s.Counts)
	}
	if s.Config.PulsesPerLiter != 450 {
		t.Errorf("Config.PulsesPerLiter: got %v, want 450", s.Config.PulsesPerLiter)
	}
	if s.Event != "" || s.Reason != "" {
		t.Errorf("expected empty event/reason for web format, got %q/%q", s.Event, s.Reason)
	}
}

func TestFormatJSONUnknownState(t *testing.T) {
	snap := Snapshot{
		StartTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Now:       time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC),
	}

	data := FormatJSON(snap)

	var parsed StatusJSON
	json.Unmarshal(data, &parsed)

	if parsed.Status.Interface != "UNKNOWN" {
		t.Errorf("Interface: got %q, want UNKNOWN", parsed.Status.Interface)
	}
	if parsed.Status.Connection != "UNKNOWN" {
		t.Errorf("Connection: got %q, want UNKNOWN", parsed.Status.Connection)
	}
	if parsed.Status.LastSample != "" {
		t.Errorf("LastSample: got %q, want empty", parsed.Status.LastSample)
	}
	if parsed.Status.Channels[3].Usage != "0.00" {
		t.Errorf("Channels[3].Usage: got %q, want 0.00", parsed.Status.Channels[3].Usage)
	}
}

func TestFormatStatusEvent(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := Snapshot{
		Interface:  flow.Serial,
		Connection: counter.Ready,
		StartTime:  start,
		Now:        start.Add(15 * time.Minute),
		Config:     Config{Broker: "tcp://localhost:1883"},
	}

	data := FormatStatusEvent(snap, "STARTUP", "")

	var parsed StatusJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if parsed.Status.Event != "STARTUP" {
		t.Errorf("Event: got %q, want STARTUP", parsed.Status.Event)
	}
	if parsed.Status.Interface != "Arduino-Serial" {
		t.Errorf("Interface: got %q, want Arduino-Serial", parsed.Status.Interface)
	}
	if parsed.Status.UptimeSeconds != 900 {
		t.Errorf("UptimeSeconds: got %d, want 900", parsed.Status.UptimeSeconds)
	}
}

func TestFormatStatusEventShutdown(t *testing.T) {
	snap := Snapshot{
		StartTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Now:       time.Date(2026, 1, 1, 0, 30, 0, 0, time.UTC),
	}

	data := FormatStatusEvent(snap, "SHUTDOWN", "SIGTERM")

	var parsed StatusJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if parsed.Status.Event != "SHUTDOWN" {
		t.Errorf("Event: got %q, want SHUTDOWN", parsed.Status.Event)
	}
	if parsed.Status.Reason != "SIGTERM" {
		t.Errorf("Reason: got %q, want SIGTERM", parsed.Status.Reason)
	}
}

func TestFormatStatusEventOmitsReasonWhenEmpty(t *testing.T) {
	snap := Snapshot{
		StartTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Now:       time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC),
	}

	data := FormatStatusEvent(snap, "STARTUP", "")

	var raw map[string]interface{}
	json.Unmarshal(data, &raw)
	status := raw["status"].(map[string]interface{})
	if _, exists := status["reason"]; exists {
		t.Error("reason should be omitted when empty")
	}
	if _, exists := status["network"]; exists {
		t.Error("network should be omitted when unknown")
	}
}

func TestFormatJSONWithNetwork(t *testing.T) {
	snap := Snapshot{
		StartTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Now:       time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC),
		Network:   &NetworkInfo{Type: "wifi", IP: "192.168.1.42", Status: "connected", SSID: "MyNet"},
	}

	data := FormatJSON(snap)

	var parsed StatusJSON
	json.Unmarshal(data, &parsed)

	if parsed.Status.Network == nil {
		t.Fatal("expected Network in JSON")
	}
	if parsed.Status.Network.SSID != "MyNet" {
		t.Errorf("Network.SSID: got %q, want MyNet", parsed.Status.Network.SSID)
	}
}

func TestConcurrentAccess(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			st := sampleStatus()
			st.Stats.Cycles = i
			tr.Update(st)
			tr.SetMQTTConnected(i%2 == 0)
			tr.SetNetwork(&NetworkInfo{IP: "1.2.3.4"})
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			snap := tr.Snapshot()
			_ = FormatJSON(snap)
		}
	}()

	wg.Wait()
}
