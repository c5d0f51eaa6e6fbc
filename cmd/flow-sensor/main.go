// Command flow-sensor samples irrigation flow sensors and publishes per-channel
// rates and amounts over MQTT and HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sweeney/flow-sensor/internal/config"
	"github.com/sweeney/flow-sensor/internal/counter"
	"github.com/sweeney/flow-sensor/internal/flow"
	"github.com/sweeney/flow-sensor/internal/history"
	"github.com/sweeney/flow-sensor/internal/metrics"
	"github.com/sweeney/flow-sensor/internal/mqtt"
	"github.com/sweeney/flow-sensor/internal/sampler"
	"github.com/sweeney/flow-sensor/internal/status"
	"github.com/sweeney/flow-sensor/internal/web"
)

// cli holds the parsed command line. Flags that were not given leave the
// options file value alone.
type cli struct {
	configPath    string
	interval      time.Duration
	httpAddr      string
	broker        string
	settingsPath  string
	heartbeat     time.Duration
	debug         bool
	printReadings bool

	set map[string]bool
}

func parseFlags(args []string) (cli, error) {
	var c cli
	fs := flag.NewFlagSet("flow-sensor", flag.ContinueOnError)
	fs.StringVar(&c.configPath, "config", config.DefaultOptionsPath, "Daemon options file (TOML)")
	fs.DurationVar(&c.interval, "interval", sampler.DefaultInterval, "Sampling interval")
	fs.StringVar(&c.httpAddr, "http", ":8080", "HTTP status address (empty to disable)")
	fs.StringVar(&c.broker, "broker", "tcp://localhost:1883", "MQTT broker address (empty to disable)")
	fs.StringVar(&c.settingsPath, "settings", config.DefaultSettingsPath, "Operator settings file (JSON)")
	fs.DurationVar(&c.heartbeat, "heartbeat", 15*time.Minute, "Heartbeat interval (0 to disable)")
	fs.BoolVar(&c.debug, "debug", false, "Log every cycle")
	fs.BoolVar(&c.printReadings, "print-readings", false, "Print one reading and exit")

	if err := fs.Parse(args); err != nil {
		return c, err
	}
	c.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { c.set[f.Name] = true })
	return c, nil
}

// apply overrides opts with the flags given on the command line.
func (c cli) apply(opts config.Options) config.Options {
	if c.set["interval"] && c.interval > 0 {
		opts.Interval = c.interval
	}
	if c.set["http"] {
		opts.HTTPAddr = c.httpAddr
	}
	if c.set["broker"] {
		opts.Broker = c.broker
	}
	if c.set["settings"] {
		opts.SettingsPath = c.settingsPath
	}
	return opts
}

func main() {
	c, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if err := run(c); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run(c cli) error {
	if c.debug {
		log.SetLevel(log.DebugLevel)
	}

	opts, err := config.LoadOptions(c.configPath)
	if err != nil {
		return fmt.Errorf("load options: %w", err)
	}
	opts = c.apply(opts)

	store := config.NewStore(opts.SettingsPath)
	settings, err := store.Load()
	if err != nil {
		log.Warnf("settings: %v; using defaults", err)
	}

	factory := newFactory(opts)

	if c.printReadings {
		return printReadings(context.Background(), settings, factory, opts.Interval, os.Stdout)
	}

	tracker := status.NewTracker(time.Now(), status.Config{
		IntervalMs:   opts.Interval.Milliseconds(),
		Broker:       opts.Broker,
		HTTPPort:     opts.HTTPAddr,
		SerialDevice: opts.SerialDevice,
		SettingsPath: opts.SettingsPath,
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	// smp is assigned before anything can scrape the metrics.
	var smp *sampler.Sampler
	m := metrics.New(func() sampler.Stats { return smp.Status().Stats })
	hub := web.NewHub()

	var runs *history.Store
	if opts.HistoryPath != "" {
		runs, err = history.Open(opts.HistoryPath)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer runs.Close()
	}

	runStarted := make(chan struct{}, 1)
	var publisher mqtt.Publisher = discardPublisher{}
	var mqttStatus mqtt.ConnectionStatus
	if opts.Broker != "" {
		p, err := mqtt.NewRealPublisher(mqtt.Options{
			Broker:   opts.Broker,
			ClientID: opts.ClientID,
			OnRunStarted: func() {
				select {
				case runStarted <- struct{}{}:
				default:
				}
			},
			OnConnectionChange: func(up bool) {
				tracker.SetMQTTConnected(up)
				m.SetMQTTConnected(up)
			},
		})
		if err != nil {
			return fmt.Errorf("init mqtt: %w", err)
		}
		defer p.Close()
		publisher, mqttStatus = p, p
	}

	out := &sinks{tracker: tracker, publisher: publisher, metrics: m, hub: hub}
	if runs != nil {
		out.history = runs
	}
	smp = sampler.New(sampler.Config{
		Settings: settings,
		Factory:  factory,
		Store:    store,
		Hooks:    out.hooks(),
	})
	out.status = smp.Status
	tracker.Update(smp.Status())

	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := publisher.PublishSystem(startupEvent); err != nil {
		log.Warnf("failed to publish startup event: %v", err)
	} else {
		log.Infof("published startup event")
	}

	if opts.HTTPAddr != "" {
		webOpts := web.Options{
			Addr:       opts.HTTPAddr,
			Tracker:    tracker,
			Controller: smp,
			Metrics:    m.Handler(),
			Hub:        hub,
		}
		if runs != nil {
			webOpts.History = runs
		}
		srv := web.New(webOpts)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("http server error: %v", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
		log.Infof("http status server listening on %s", opts.HTTPAddr)
	}

	log.Infof("started: interface=%s interval=%v broker=%q http=%q settings=%s",
		settings.Interface, opts.Interval, opts.Broker, opts.HTTPAddr, opts.SettingsPath)

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	var heartbeat <-chan time.Time
	if c.heartbeat > 0 {
		hb := time.NewTicker(c.heartbeat)
		defer hb.Stop()
		heartbeat = hb.C
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return runLoop(context.Background(), loopDeps{
		sampler:    smp,
		publisher:  publisher,
		mqttStatus: mqttStatus,
		tracker:    tracker,
		now:        time.Now,
	}, ticker.C, heartbeat, runStarted, sigCh)
}

// newFactory builds hardware back-ends from the daemon options.
func newFactory(opts config.Options) sampler.Factory {
	return func(kind flow.InterfaceKind) (counter.Interface, error) {
		return counter.New(kind, counter.Options{
			Serial: counter.SerialConfig{
				Device:      opts.SerialDevice,
				Baud:        opts.Baudrate,
				ReadTimeout: opts.ReadTimeout,
				SettleDelay: opts.SettleDelay,
			},
			GPIOChip: opts.GPIOChip,
		})
	}
}

// runRecorder stores finished runs.
type runRecorder interface {
	Record(ctx context.Context, run flow.RunSummary) (string, error)
}

// sinks fans sampler output out to every consumer. All methods run on the
// sampler's worker goroutine.
type sinks struct {
	tracker   *status.Tracker
	publisher mqtt.Publisher
	metrics   *metrics.Metrics
	hub       *web.Hub
	history   runRecorder
	status    func() sampler.Status
}

func (s *sinks) hooks() sampler.Hooks {
	return sampler.Hooks{
		Reading:     s.reading,
		RunComplete: s.runComplete,
		CycleError:  s.cycleError,
	}
}

func (s *sinks) refresh() {
	if s.status != nil && s.tracker != nil {
		s.tracker.Update(s.status())
	}
}

func (s *sinks) reading(r flow.Reading) {
	s.refresh()
	if s.metrics != nil {
		s.metrics.ObserveReading(r)
	}
	if s.hub != nil {
		s.hub.Broadcast(r)
	}
	if err := s.publisher.Publish(r); err != nil {
		log.Warnf("publish error: %v", err)
	}
}

func (s *sinks) runComplete(run flow.RunSummary) {
	log.Infof("run complete: %v over %d cycles, %s %v", run.Duration().Truncate(time.Second), run.Cycles, run.Units, run.Amounts)
	if s.metrics != nil {
		s.metrics.RunRecorded()
	}
	if err := s.publisher.PublishRun(run); err != nil {
		log.Warnf("run publish error: %v", err)
	}
	if s.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if id, err := s.history.Record(ctx, run); err != nil {
		log.Errorf("history: %v", err)
	} else {
		log.Debugf("history: recorded run %s", id)
	}
}

func (s *sinks) cycleError(error) {
	s.refresh()
}

// loopDeps are the collaborators of runLoop.
type loopDeps struct {
	sampler    *sampler.Sampler
	publisher  mqtt.Publisher
	mqttStatus mqtt.ConnectionStatus
	tracker    *status.Tracker
	now        func() time.Time
}

// runLoop runs the sampler until a signal arrives, forwarding run-start
// triggers and emitting heartbeats. On a signal the sampler is stopped (which
// closes the hardware) and a SHUTDOWN event is published.
func runLoop(ctx context.Context, d loopDeps, tick, heartbeat <-chan time.Time, runStarted <-chan struct{}, sig <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.sampler.Run(ctx, tick) }()

	for {
		select {
		case s := <-sig:
			log.Infof("received %v, shutting down", s)
			cancel()
			<-done
			d.publishSystem("SHUTDOWN", signalName(s))
			return nil

		case err := <-done:
			return fmt.Errorf("sampler stopped: %w", err)

		case <-runStarted:
			if err := d.sampler.OnRunStarted(ctx); err != nil {
				log.Warnf("run started: %v", err)
			}

		case <-heartbeat:
			if net := readNetworkInfo(); net != nil && d.tracker != nil {
				d.tracker.SetNetwork(net)
			}
			d.publishSystem("HEARTBEAT", "")
		}
	}
}

func (d loopDeps) publishSystem(event, reason string) {
	ev := mqtt.SystemEvent{
		Timestamp: d.now(),
		Event:     event,
		Reason:    reason,
		Retained:  event == "SHUTDOWN",
	}
	if d.tracker != nil {
		d.tracker.Update(d.sampler.Status())
		if d.mqttStatus != nil {
			d.tracker.SetMQTTConnected(d.mqttStatus.IsConnected())
		}
		ev.RawPayload = status.FormatStatusEvent(d.tracker.Snapshot(), event, reason)
	}
	if err := d.publisher.PublishSystem(ev); err != nil {
		log.Warnf("failed to publish %s event: %v", strings.ToLower(event), err)
	} else {
		log.Debugf("published %s event", strings.ToLower(event))
	}
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}

// printReadings resets the counters, waits one interval, samples once and
// writes the result to w.
func printReadings(ctx context.Context, settings config.Settings, factory sampler.Factory, interval time.Duration, w io.Writer) error {
	readings := make(chan flow.Reading, 2)
	errs := make(chan error, 2)
	smp := sampler.New(sampler.Config{
		Settings: settings,
		Factory:  factory,
		Hooks: sampler.Hooks{
			Reading:    func(r flow.Reading) { readings <- r },
			CycleError: func(err error) { errs <- err },
		},
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	tick := make(chan time.Time)
	done := make(chan error, 1)
	go func() { done <- smp.Run(ctx, tick) }()
	defer func() {
		cancel()
		<-done
	}()

	// The startup reset always publishes a zero reading.
	<-readings
	select {
	case err := <-errs:
		return err
	default:
	}

	select {
	case <-time.After(interval):
	case <-ctx.Done():
		return ctx.Err()
	}
	tick <- time.Now()

	select {
	case r := <-readings:
		fmt.Fprint(w, formatReading(r))
		return nil
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func formatReading(r flow.Reading) string {
	var b strings.Builder
	for i := 0; i < flow.NumChannels; i++ {
		fmt.Fprintf(&b, "ch%d: %.1f %s, %s %s\n", i+1, r.Rates[i], r.RateUnits, flow.FormatAmount(r.Amounts[i]), r.Units)
	}
	return b.String()
}

// discardPublisher is used when MQTT is disabled.
type discardPublisher struct{}

func (discardPublisher) Publish(flow.Reading) error           { return nil }
func (discardPublisher) PublishRun(flow.RunSummary) error     { return nil }
func (discardPublisher) PublishSystem(mqtt.SystemEvent) error { return nil }
func (discardPublisher) Close() error                         { return nil }

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
