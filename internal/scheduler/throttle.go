package scheduler

// Throttle class names for self-throttled post-job tasks.
const (
	throttleParse    = "parse"
	throttleTransfer = "transfer"
)

// ThrottleSet holds per-class ceilings for self-throttled tasks. A task
// at its class ceiling simply declines to launch and retries next tick;
// this is independent of the dispatcher's per-cycle start budget.
type ThrottleSet struct {
	limits map[string]int
	counts map[string]int
}

func NewThrottleSet(maxParse, maxTransfer int) *ThrottleSet {
	return &ThrottleSet{
		limits: map[string]int{
			throttleParse:    maxParse,
			throttleTransfer: maxTransfer,
		},
		counts: make(map[string]int),
	}
}

// SetLimit adjusts a class ceiling, used on config reload.
func (t *ThrottleSet) SetLimit(class string, limit int) {
	t.limits[class] = limit
}

func (t *ThrottleSet) CanStart(class string) bool {
	limit, ok := t.limits[class]
	if !ok {
		return true
	}
	return t.counts[class] < limit
}

func (t *ThrottleSet) Acquire(class string) {
	t.counts[class]++
}

func (t *ThrottleSet) Release(class string) {
	if t.counts[class] > 0 {
		t.counts[class]--
	}
}

// Count returns the number of running tasks in a class.
func (t *ThrottleSet) Count(class string) int {
	return t.counts[class]
}
