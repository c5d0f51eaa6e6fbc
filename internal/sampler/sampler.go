// Package sampler runs the periodic flow-sampling loop.
//
// A single worker goroutine (Run) owns the hardware interface: it reads the
// counters on every tick and performs resets and reconfigurations requested
// by other goroutines, so a reset can never interleave with a half-finished
// cycle. Published values are guarded by an RWMutex and may be read from any
// goroutine without waiting for hardware I/O.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sweeney/flow-sensor/internal/config"
	"github.com/sweeney/flow-sensor/internal/counter"
	"github.com/sweeney/flow-sensor/internal/flow"
)

// DefaultInterval is the sampling period.
const DefaultInterval = 3 * time.Second

// ErrStopped is returned by requests made after Run has returned.
var ErrStopped = errors.New("sampler stopped")

// Factory builds the hardware back-end for an interface kind.
type Factory func(kind flow.InterfaceKind) (counter.Interface, error)

// Persister saves settings before they take effect.
type Persister interface {
	Save(config.Settings) error
}

// Hooks are called from the worker goroutine. Nil hooks are skipped.
type Hooks struct {
	// Reading is called after every successful cycle and after every reset.
	Reading func(flow.Reading)
	// RunComplete is called on reset when at least one cycle ran since the previous reset.
	RunComplete func(flow.RunSummary)
	// CycleError is called when a cycle or reset fails.
	CycleError func(error)
}

// Config configures a Sampler.
type Config struct {
	Settings config.Settings
	Factory  Factory
	Store    Persister        // nil skips persistence
	Now      func() time.Time // nil uses time.Now
	Hooks    Hooks
}

// Stats counts worker activity.
type Stats struct {
	Cycles        int
	Errors        int
	Resets        int
	LastError     string
	LastErrorTime time.Time
}

// Status is a point-in-time view of the sampler.
type Status struct {
	Settings   config.Settings
	Reading    flow.Reading
	Connection counter.ConnState
	Stats      Stats
}

type request struct {
	settings *config.Settings // nil means reset only
	done     chan error
}

// Sampler is the sampling worker plus its published state.
type Sampler struct {
	factory Factory
	store   Persister
	now     func() time.Time
	hooks   Hooks

	requests chan request
	stopped  chan struct{}
	saveMu   sync.Mutex

	// Owned by the worker goroutine.
	hw     counter.Interface
	rebase bool

	mu       sync.RWMutex
	settings config.Settings
	state    *flow.State
	reading  flow.Reading
	conn     counter.ConnState
	stats    Stats
}

// New creates a Sampler. Hardware is not touched until Run.
func New(cfg Config) *Sampler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	settings := cfg.Settings
	settings.Derive()

	s := &Sampler{
		factory:  cfg.Factory,
		store:    cfg.Store,
		now:      now,
		hooks:    cfg.Hooks,
		requests: make(chan request),
		stopped:  make(chan struct{}),
		settings: settings,
		conn:     counter.Disconnected,
	}
	s.state = flow.NewState(settings.Calibration(), now())
	s.reading = s.state.Reading()
	return s
}

// Run resets the hardware, then samples on every tick until ctx is cancelled.
// Ticks that arrive while a cycle is running are dropped by the ticker, so
// cycles never overlap. Hardware errors are logged and never end the loop.
func (s *Sampler) Run(ctx context.Context, tick <-chan time.Time) error {
	defer close(s.stopped)
	defer s.closeInterface()

	if err := s.reset(); err != nil {
		log.Errorf("flow: initial reset: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			log.Infof("flow: sampler stopping: %v", ctx.Err())
			return ctx.Err()

		case <-tick:
			s.cycle()

		case req := <-s.requests:
			req.done <- s.handle(req)
		}
	}
}

// OnRunStarted resets all channels at the start of a program or manual run.
// It blocks until any in-flight cycle has finished and the reset is done.
func (s *Sampler) OnRunStarted(ctx context.Context) error {
	log.Infof("flow: run started, resetting flow sensors")
	return s.do(ctx, request{})
}

// UpdateSettings applies a submitted settings form: the merged settings are
// validated, persisted, and then applied with a full reset. If persisting
// fails nothing changes and the error is returned.
func (s *Sampler) UpdateSettings(ctx context.Context, form map[string]string) (config.Settings, error) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	current := s.Settings()
	next, err := current.ApplyForm(form)
	if err != nil {
		return current, err
	}
	if s.store != nil {
		if err := s.store.Save(next); err != nil {
			return current, err
		}
	}
	if err := s.do(ctx, request{settings: &next}); err != nil {
		return next, err
	}
	return next, nil
}

func (s *Sampler) do(ctx context.Context, req request) error {
	req.done = make(chan error, 1)
	select {
	case s.requests <- req:
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sampler) handle(req request) error {
	if req.settings != nil {
		s.reconfigure(*req.settings)
	}
	return s.reset()
}

// cycle reads the counters and publishes new rates and amounts.
// On failure nothing is updated, so the next cycle spans the gap.
func (s *Sampler) cycle() {
	if s.hw == nil {
		if err := s.buildInterface(); err != nil {
			s.recordError(err)
			return
		}
	}

	cur, err := s.hw.Read(false)
	now := s.now()
	s.setConn(counter.StateOf(s.hw))
	if err != nil {
		s.recordError(fmt.Errorf("read counters: %w", err))
		return
	}

	s.mu.Lock()
	if s.rebase {
		s.state.Rebase(cur, now)
		s.rebase = false
		s.stats.Cycles++
		s.mu.Unlock()
		log.Infof("flow: counters rebased after failed reset")
		return
	}
	r := s.state.Apply(cur, now)
	s.reading = r
	s.stats.Cycles++
	s.mu.Unlock()

	log.Debugf("flow: rates %s %v amounts %v", r.RateUnits, r.Rates, r.Amounts)
	if s.hooks.Reading != nil {
		s.hooks.Reading(r)
	}
}

// reset zeroes the hardware counters and all channel state.
// Channel state is reset even when the hardware reset fails; the next
// successful read then becomes the baseline instead of being counted.
func (s *Sampler) reset() error {
	var hwErr error
	if s.hw == nil {
		hwErr = s.buildInterface()
	}
	if s.hw != nil {
		if err := s.hw.Reset(); err != nil {
			hwErr = fmt.Errorf("reset counters: %w", err)
		}
		s.setConn(counter.StateOf(s.hw))
	}
	now := s.now()

	s.mu.Lock()
	summary := s.state.Summary(now)
	s.state.Reset(s.settings.Calibration(), now)
	s.rebase = hwErr != nil
	s.reading = s.state.Reading()
	s.stats.Resets++
	r := s.reading
	s.mu.Unlock()

	if hwErr != nil {
		s.recordError(hwErr)
	}
	if summary.Cycles > 0 && s.hooks.RunComplete != nil {
		s.hooks.RunComplete(summary)
	}
	if s.hooks.Reading != nil {
		s.hooks.Reading(r)
	}
	return hwErr
}

func (s *Sampler) reconfigure(next config.Settings) {
	s.mu.Lock()
	prev := s.settings
	s.settings = next
	s.mu.Unlock()

	log.Infof("flow: settings applied: %+v", next)
	if next.Interface != prev.Interface {
		log.Infof("flow: interface changed from %s to %s", prev.Interface, next.Interface)
		s.closeInterface()
	}
}

func (s *Sampler) buildInterface() error {
	s.mu.RLock()
	kind := s.settings.Interface
	s.mu.RUnlock()

	hw, err := s.factory(kind)
	if err != nil {
		return fmt.Errorf("build %s interface: %w", kind, err)
	}
	s.hw = hw
	s.setConn(counter.StateOf(hw))
	return nil
}

func (s *Sampler) closeInterface() {
	if s.hw == nil {
		return
	}
	if err := s.hw.Close(); err != nil {
		log.Warnf("flow: close interface: %v", err)
	}
	s.hw = nil
	s.setConn(counter.Disconnected)
}

func (s *Sampler) recordError(err error) {
	log.Warnf("flow: %v; holding previous values", err)
	s.mu.Lock()
	s.stats.Errors++
	s.stats.LastError = err.Error()
	s.stats.LastErrorTime = s.now()
	s.mu.Unlock()
	if s.hooks.CycleError != nil {
		s.hooks.CycleError(err)
	}
}

func (s *Sampler) setConn(c counter.ConnState) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

// Reading returns the latest published rates and amounts.
func (s *Sampler) Reading() flow.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reading
}

// Settings returns the settings in effect.
func (s *Sampler) Settings() config.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Amount returns the volume measured on channel ch since the last reset.
func (s *Sampler) Amount(ch int) (float64, error) {
	if err := flow.CheckChannel(ch); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reading.Amounts[ch], nil
}

// Usage returns the amount on channel ch formatted to two decimal places,
// for the host's run log. Invalid channels report "0.00".
func (s *Sampler) Usage(ch int) string {
	v, err := s.Amount(ch)
	if err != nil {
		return flow.FormatAmount(0)
	}
	return flow.FormatAmount(v)
}

// Status returns a snapshot of settings, reading, connection and counters.
func (s *Sampler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		Settings:   s.settings,
		Reading:    s.reading,
		Connection: s.conn,
		Stats:      s.stats,
	}
}
