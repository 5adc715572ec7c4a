package rtconfig

import "time"

// FetchOutcome classifies the result of a gateway call.
type FetchOutcome string

const (
	FetchSucceeded FetchOutcome = "succeeded"
	FetchThrottled FetchOutcome = "throttled"
	FetchFailed    FetchOutcome = "failed"
)

// Observer receives lifecycle notifications. Methods may be called while the
// manager's state lock is held, so implementations must be fast and must not
// call back into the Manager.
type Observer interface {
	StateChanged(from, to State)
	SignalReceived(version uint64)
	FetchCompleted(outcome FetchOutcome)
	ListenerFailed(name string)
	RetryScheduled(delay time.Duration, remaining int)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) StateChanged(State, State) {}
func (NopObserver) SignalReceived(uint64) {}
func (NopObserver) FetchCompleted(FetchOutcome) {}
func (NopObserver) ListenerFailed(string) {}
func (NopObserver) RetryScheduled(time.Duration, int) {}

var _ Observer = NopObserver{}
