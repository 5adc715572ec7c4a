package rtconfig

// State is the connection state of a Manager.
type State int32

const (
	// StateIdle means no session is open and none is scheduled.
	StateIdle State = iota
	// StateConnecting means a session is waiting for the transport to open.
	StateConnecting
	// StateOpen means a session is receiving signals.
	StateOpen
	// StateRetryScheduled means a reopen is scheduled after a backoff delay.
	StateRetryScheduled
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateRetryScheduled:
		return "retry_scheduled"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventKind tags the events a stream session delivers to its manager.
type EventKind int

const (
	// EventOpened reports that the transport confirmed the stream.
	EventOpened EventKind = iota + 1
	// EventSignal carries a server push.
	EventSignal
	// EventError reports a stream failure. It is terminal for the session.
	EventError
	// EventClosed reports that the stream ended. It is terminal for the session.
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventSignal:
		return "signal"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is a tagged session event.
type Event struct {
	Kind EventKind
	// Version is set for EventSignal.
	Version uint64
	// Err is set for EventError and for abnormal EventClosed.
	Err error
	// Normal is set for EventClosed when the stream completed gracefully.
	Normal bool
}

// terminal reports whether no further events may follow e.
func (e Event) terminal() bool {
	return e.Kind == EventError || e.Kind == EventClosed
}
