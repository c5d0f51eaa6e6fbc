package sampler

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/flow-sensor/internal/config"
	"github.com/sweeney/flow-sensor/internal/counter"
	"github.com/sweeney/flow-sensor/internal/flow"
)

// manualClock is advanced explicitly by the test.
type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type memStore struct {
	mu    sync.Mutex
	saved []config.Settings
	err   error
}

func (m *memStore) Save(s config.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, s)
	return nil
}

type harness struct {
	s        *Sampler
	clock    *manualClock
	tick     chan time.Time
	readings chan flow.Reading
	runs     chan flow.RunSummary
	errs     chan error
	cancel   context.CancelFunc
	done     chan error
	built    []flow.InterfaceKind
}

func startHarness(t *testing.T, settings config.Settings, store Persister, build func(flow.InterfaceKind) counter.Interface) *harness {
	t.Helper()
	h := &harness{
		clock:    &manualClock{t: time.Date(2026, 6, 1, 5, 0, 0, 0, time.UTC)},
		tick:     make(chan time.Time),
		readings: make(chan flow.Reading, 64),
		runs:     make(chan flow.RunSummary, 16),
		errs:     make(chan error, 16),
		done:     make(chan error, 1),
	}
	h.s = New(Config{
		Settings: settings,
		Store:    store,
		Now:      h.clock.Now,
		Factory: func(kind flow.InterfaceKind) (counter.Interface, error) {
			h.built = append(h.built, kind)
			return build(kind), nil
		},
		Hooks: Hooks{
			Reading:     func(r flow.Reading) { h.readings <- r },
			RunComplete: func(r flow.RunSummary) { h.runs <- r },
			CycleError:  func(err error) { h.errs <- err },
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.s.Run(ctx, h.tick) }()
	t.Cleanup(h.stop)

	// Startup reset publishes a zero reading.
	h.nextReading(t)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
	h.done <- context.Canceled
}

func (h *harness) nextReading(t *testing.T) flow.Reading {
	t.Helper()
	select {
	case r := <-h.readings:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reading")
	}
	return flow.Reading{}
}

func (h *harness) nextError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errs:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cycle error")
	}
	return nil
}

// step advances the clock by d and runs one cycle that is expected to succeed.
func (h *harness) step(t *testing.T, d time.Duration) flow.Reading {
	t.Helper()
	h.clock.Advance(d)
	h.tick <- h.clock.Now()
	return h.nextReading(t)
}

func fixed(f *counter.Fake) func(flow.InterfaceKind) counter.Interface {
	return func(flow.InterfaceKind) counter.Interface { return f }
}

func TestSimulatedEndToEnd(t *testing.T) {
	const seed = 99
	h := startHarness(t, config.Defaults(), nil, func(flow.InterfaceKind) counter.Interface {
		return counter.NewSimulated(rand.New(rand.NewSource(seed)))
	})

	// Same seed predicts the first increase.
	want, _ := counter.NewSimulated(rand.New(rand.NewSource(seed))).Read(false)

	r := h.step(t, 3*time.Second)
	for ch := 0; ch < flow.NumChannels; ch++ {
		increase := want[ch]
		assert.GreaterOrEqual(t, increase, 180.0)
		assert.Less(t, increase, 220.0)
		assert.InDelta(t, increase*3600/450/3, r.Rates[ch], 1e-9)
		assert.InDelta(t, increase/450, r.Amounts[ch], 1e-9)
	}
	assert.Equal(t, "LpH", r.RateUnits)
	assert.Equal(t, []flow.InterfaceKind{flow.Simulated}, h.built)
}

func TestCycleComputesRatesAndAmounts(t *testing.T) {
	f := counter.NewFake(
		flow.Counters{200, 450},
		flow.Counters{400, 900},
	)
	h := startHarness(t, config.Defaults(), nil, fixed(f))

	r := h.step(t, 3*time.Second)
	assert.InDelta(t, 533.333333, r.Rates[0], 1e-5)
	assert.InDelta(t, 1200.0, r.Rates[1], 1e-9)
	assert.InDelta(t, 1.0, r.Amounts[1], 1e-12)

	r = h.step(t, 3*time.Second)
	assert.InDelta(t, 2.0, r.Amounts[1], 1e-12)

	amt, err := h.s.Amount(1)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, amt, 1e-12)
	assert.Equal(t, "2.00", h.s.Usage(1))
	assert.Equal(t, "0.89", h.s.Usage(0))
	assert.Equal(t, 2, h.s.Status().Stats.Cycles)
}

func TestAmountInvalidChannel(t *testing.T) {
	h := startHarness(t, config.Defaults(), nil, fixed(counter.NewFake(flow.Counters{})))

	_, err := h.s.Amount(8)
	assert.Error(t, err)
	assert.Equal(t, "0.00", h.s.Usage(-1))
}

func TestReadErrorHoldsValues(t *testing.T) {
	f := counter.NewFake(flow.Counters{450}, flow.Counters{1350})
	h := startHarness(t, config.Defaults(), nil, fixed(f))

	first := h.step(t, 3*time.Second)

	f.SetReadError(&counter.Error{Kind: counter.ParseFailure, Op: "read"})
	h.clock.Advance(3 * time.Second)
	h.tick <- h.clock.Now()
	err := h.nextError(t)
	assert.ErrorIs(t, err, counter.ErrParseFailure)
	assert.Equal(t, first, h.s.Reading())

	f.SetReadError(nil)
	r := h.step(t, 3*time.Second)
	// 900 pulses over the 6s since the last good sample.
	assert.InDelta(t, 900.0*3600/450/6, r.Rates[0], 1e-9)
	assert.InDelta(t, 3.0, r.Amounts[0], 1e-12)

	st := h.s.Status()
	assert.Equal(t, 1, st.Stats.Errors)
	assert.Contains(t, st.Stats.LastError, "parse failure")
}

func TestOnRunStartedResets(t *testing.T) {
	f := counter.NewFake(flow.Counters{450, 900})
	h := startHarness(t, config.Defaults(), nil, fixed(f))
	h.step(t, 3*time.Second)

	require.NoError(t, h.s.OnRunStarted(context.Background()))
	r := h.nextReading(t)
	assert.Equal(t, [flow.NumChannels]float64{}, r.Amounts)
	assert.Equal(t, [flow.NumChannels]float64{}, r.Rates)

	select {
	case sum := <-h.runs:
		assert.Equal(t, 1, sum.Cycles)
		assert.InDelta(t, 2.0, sum.Amounts[1], 1e-12)
	case <-time.After(2 * time.Second):
		t.Fatal("expected run summary")
	}

	resets, _ := f.Counts()
	assert.Equal(t, 2, resets)
}

func TestResetIdempotent(t *testing.T) {
	f := counter.NewFake(flow.Counters{450})
	h := startHarness(t, config.Defaults(), nil, fixed(f))
	h.step(t, 3*time.Second)

	require.NoError(t, h.s.OnRunStarted(context.Background()))
	once := h.nextReading(t)
	require.NoError(t, h.s.OnRunStarted(context.Background()))
	twice := h.nextReading(t)

	assert.Equal(t, once, twice)
	// Only the first reset closes a run with cycles.
	assert.Len(t, h.runs, 1)
}

func TestFailedResetRebases(t *testing.T) {
	f := counter.NewFake(flow.Counters{1000}, flow.Counters{1450})
	h := startHarness(t, config.Defaults(), nil, fixed(f))

	f.ResetError = &counter.Error{Kind: counter.ConnectionFailed, Op: "reset"}
	err := h.s.OnRunStarted(context.Background())
	assert.ErrorIs(t, err, counter.ErrConnectionFailed)
	h.nextError(t)
	h.nextReading(t)

	// First read after the failed reset only sets the baseline.
	h.clock.Advance(3 * time.Second)
	h.tick <- h.clock.Now()
	r := h.step(t, 3*time.Second)
	assert.InDelta(t, 1.0, r.Amounts[0], 1e-12)
}

func TestUpdateSettingsPersistsAndResets(t *testing.T) {
	f := counter.NewFake(flow.Counters{450})
	store := &memStore{}
	h := startHarness(t, config.Defaults(), store, fixed(f))
	h.step(t, 3*time.Second)

	got, err := h.s.UpdateSettings(context.Background(), map[string]string{"units": "Gallons"})
	require.NoError(t, err)
	assert.Equal(t, flow.Gallons, got.Units)
	assert.Equal(t, "GpH", got.RateUnits)
	require.Len(t, store.saved, 1)
	assert.Equal(t, got, store.saved[0])

	r := h.nextReading(t)
	assert.Equal(t, "GpH", r.RateUnits)
	assert.Equal(t, [flow.NumChannels]float64{}, r.Amounts)

	// Fake rewinds on reset, so the same 450 pulses are now gallons.
	r = h.step(t, 3*time.Second)
	assert.InDelta(t, 1/flow.LitersPerGallon, r.Amounts[0], 1e-12)
	assert.Equal(t, flow.Gallons, h.s.Settings().Units)
}

func TestUpdateSettingsPersistFailure(t *testing.T) {
	f := counter.NewFake(flow.Counters{450})
	store := &memStore{err: &config.Error{Kind: config.PersistFailure, Path: "/ro/flow_sensors.json", Err: errors.New("read-only file system")}}
	h := startHarness(t, config.Defaults(), store, fixed(f))
	before := h.step(t, 3*time.Second)

	_, err := h.s.UpdateSettings(context.Background(), map[string]string{"units": "Gallons"})
	assert.ErrorIs(t, err, config.ErrPersistFailure)
	assert.Equal(t, flow.Liters, h.s.Settings().Units)
	assert.Equal(t, before, h.s.Reading())

	resets, _ := f.Counts()
	assert.Equal(t, 1, resets)
}

func TestUpdateSettingsInvalid(t *testing.T) {
	store := &memStore{}
	h := startHarness(t, config.Defaults(), store, fixed(counter.NewFake(flow.Counters{})))

	_, err := h.s.UpdateSettings(context.Background(), map[string]string{"pulses_per_liter": "abc"})
	assert.ErrorIs(t, err, config.ErrInvalidSetting)
	assert.Empty(t, store.saved)
}

func TestInterfaceChangeRebuilds(t *testing.T) {
	fakes := map[flow.InterfaceKind]*counter.Fake{
		flow.Simulated: counter.NewFake(flow.Counters{1}),
		flow.Serial:    counter.NewFake(flow.Counters{2}),
	}
	h := startHarness(t, config.Defaults(), nil, func(k flow.InterfaceKind) counter.Interface {
		return fakes[k]
	})

	_, err := h.s.UpdateSettings(context.Background(), map[string]string{"interface": "Arduino-Serial"})
	require.NoError(t, err)
	h.nextReading(t)

	assert.True(t, fakes[flow.Simulated].Closed)
	assert.Equal(t, []flow.InterfaceKind{flow.Simulated, flow.Serial}, h.built)

	r := h.step(t, 3*time.Second)
	assert.InDelta(t, 2.0/450, r.Amounts[0], 1e-12)
}

func TestStopClosesInterface(t *testing.T) {
	f := counter.NewFake(flow.Counters{})
	h := startHarness(t, config.Defaults(), nil, fixed(f))

	h.cancel()
	err := <-h.done
	h.done <- err
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, f.Closed)

	assert.ErrorIs(t, h.s.OnRunStarted(context.Background()), ErrStopped)
	assert.Equal(t, counter.Disconnected, h.s.Status().Connection)
}

func TestOnRunStartedContextCancelled(t *testing.T) {
	s := New(Config{Settings: config.Defaults(), Factory: func(flow.InterfaceKind) (counter.Interface, error) {
		return counter.NewFake(), nil
	}})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	// Run was never started.
	assert.ErrorIs(t, s.OnRunStarted(ctx), context.DeadlineExceeded)
}

// A reset racing with in-flight cycles must restart the amounts from zero.
// The simulator adds 180 to 220 pulses per read, so after n cycles every
// amount lies within [n*180/450, n*220/450] litres. A cycle counted against
// a stale baseline or total would fall outside that band.
func TestConcurrentResetRestartsAmounts(t *testing.T) {
	const (
		minStep = 180.0 / 450
		maxStep = 220.0 / 450
		eps     = 1e-9
	)
	var mu sync.Mutex
	var bad []flow.Reading
	cycles := 0

	sim := counter.NewSimulated(rand.New(rand.NewSource(3)))
	s := New(Config{
		Settings: config.Defaults(),
		Factory:  func(flow.InterfaceKind) (counter.Interface, error) { return sim, nil },
		Hooks: Hooks{Reading: func(r flow.Reading) {
			// Hooks run on the worker, one at a time.
			if r.Amounts == ([flow.NumChannels]float64{}) {
				cycles = 0
				return
			}
			cycles++
			lo, hi := float64(cycles)*minStep-eps, float64(cycles)*maxStep+eps
			for ch := range r.Amounts {
				if r.Rates[ch] < 0 || r.Amounts[ch] < lo || r.Amounts[ch] > hi {
					mu.Lock()
					bad = append(bad, r)
					mu.Unlock()
					return
				}
			}
		}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, ticker.C) }()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				assert.NoError(t, s.OnRunStarted(ctx))
				_ = s.Reading()
				_ = s.Usage(i % flow.NumChannels)
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, bad)
	assert.GreaterOrEqual(t, s.Status().Stats.Resets, 101)
}
