package agent

// EligibilityOverride carries the exceptions to normal nightly scheduling.
// Force is an operator-triggered run that ignores the evening window, the
// opt-in flag and the calendar. Demo accounts keep the normal checks but
// get a fallback class schedule on days without one.
type EligibilityOverride struct {
	Force bool
	Demo  bool
}

func (o EligibilityOverride) skipGate() bool     { return o.Force }
func (o EligibilityOverride) skipOptIn() bool    { return o.Force }
func (o EligibilityOverride) skipCalendar() bool { return o.Force }
func (o EligibilityOverride) useFallback() bool  { return o.Force || o.Demo }
