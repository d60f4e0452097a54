package lifecycle

import "time"

// Timings are the loop cadences and budgets. Zero fields take the defaults.
type Timings struct {
	// ScanRetryMin is the pause after the first missed scan attempt. The pause
	// grows by ScanRetryStep per consecutive miss up to ScanRetryMax.
	ScanRetryMin  time.Duration
	ScanRetryMax  time.Duration
	ScanRetryStep time.Duration

	Idle          time.Duration
	ConnectedPoll time.Duration

	BatteryInterval   time.Duration
	ParameterInterval time.Duration

	WriteAttempts   int
	WriteRetryDelay time.Duration

	OpTimeout         time.Duration
	DisconnectTimeout time.Duration
}

// DefaultTimings returns the stock cadences.
func DefaultTimings() Timings {
	return Timings{
		ScanRetryMin:      2 * time.Second,
		ScanRetryMax:      4 * time.Second,
		ScanRetryStep:     time.Second,
		Idle:              100 * time.Millisecond,
		ConnectedPoll:     time.Second,
		BatteryInterval:   10 * time.Second,
		ParameterInterval: 5 * time.Second,
		WriteAttempts:     3,
		WriteRetryDelay:   50 * time.Millisecond,
		OpTimeout:         5 * time.Second,
		DisconnectTimeout: 5 * time.Second,
	}
}

func (t Timings) withDefaults() Timings {
	d := DefaultTimings()
	orDefault := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	orDefault(&t.ScanRetryMin, d.ScanRetryMin)
	orDefault(&t.ScanRetryMax, d.ScanRetryMax)
	orDefault(&t.ScanRetryStep, d.ScanRetryStep)
	orDefault(&t.Idle, d.Idle)
	orDefault(&t.ConnectedPoll, d.ConnectedPoll)
	orDefault(&t.BatteryInterval, d.BatteryInterval)
	orDefault(&t.ParameterInterval, d.ParameterInterval)
	orDefault(&t.WriteRetryDelay, d.WriteRetryDelay)
	orDefault(&t.OpTimeout, d.OpTimeout)
	orDefault(&t.DisconnectTimeout, d.DisconnectTimeout)
	if t.WriteAttempts <= 0 {
		t.WriteAttempts = d.WriteAttempts
	}
	t.ScanRetryMax = max(t.ScanRetryMax, t.ScanRetryMin)
	return t
}

// scanRetryDelay is the pause after the n-th consecutive missed scan (n >= 1).
func (t Timings) scanRetryDelay(n int) time.Duration {
	d := t.ScanRetryMin + time.Duration(max(n-1, 0))*t.ScanRetryStep
	return min(max(d, t.ScanRetryMin), t.ScanRetryMax)
}
