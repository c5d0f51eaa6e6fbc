package flow

import "time"

// State owns the per-channel measurement state between resets.
// Not safe for concurrent use; the sampler serializes access.
type State struct {
	cal       Calibration
	prev      Counters
	prevTime  time.Time
	runStart  time.Time
	amounts   [NumChannels]float64
	rates     [NumChannels]float64
	cycles    int
	lastCycle time.Time
}

// NewState creates a State reset at now.
func NewState(cal Calibration, now time.Time) *State {
	s := &State{}
	s.Reset(cal, now)
	return s
}

// Reset zeroes counters, amounts and rates and restarts the run clock.
// The calibration is replaced so that a run never mixes calibration epochs.
func (s *State) Reset(cal Calibration, now time.Time) {
	*s = State{
		cal:      cal,
		prevTime: now,
		runStart: now,
	}
}

// Apply records a new counter sample taken at now and returns the published reading.
func (s *State) Apply(cur Counters, now time.Time) Reading {
	conv := Convert(s.cal, s.prev, cur, now.Sub(s.prevTime))

	for i := range cur {
		s.amounts[i] += conv.Increments[i]
	}
	s.rates = conv.Rates
	s.prev = cur
	s.prevTime = now
	s.lastCycle = now
	s.cycles++

	return s.Reading()
}

// Rebase takes cur as the new baseline without counting it, for when the
// hardware counters could not be zeroed at reset.
func (s *State) Rebase(cur Counters, now time.Time) {
	s.prev = cur
	s.prevTime = now
}

// Reading returns the current published values.
func (s *State) Reading() Reading {
	t := s.lastCycle
	if t.IsZero() {
		t = s.runStart
	}
	return Reading{
		Time:      t,
		Rates:     s.rates,
		Amounts:   s.amounts,
		Units:     s.cal.Units,
		RateUnits: s.cal.Units.RateLabel(),
	}
}

// Summary captures the totals of the run in progress.
func (s *State) Summary(now time.Time) RunSummary {
	return RunSummary{
		Start:   s.runStart,
		End:     now,
		Amounts: s.amounts,
		Units:   s.cal.Units,
		Cycles:  s.cycles,
	}
}

// Cycles returns the number of samples applied since the last reset.
func (s *State) Cycles() int {
	return s.cycles
}

// Previous returns the last applied counters and their sample time.
func (s *State) Previous() (Counters, time.Time) {
	return s.prev, s.prevTime
}

// Calibration returns the calibration in effect for this run.
func (s *State) Calibration() Calibration {
	return s.cal
}
