package envinfra

// ShutdownStatus is the state of environment shutdown. It only moves forward.
type ShutdownStatus uint8

const (
	// ShutdownNotStarted is the initial state
	ShutdownNotStarted ShutdownStatus = iota

	// ShutdownMustStart means Stop was called and the main loop has not reacted yet
	ShutdownMustStart

	// ShutdownInProgress means every coop has been asked to deregister
	ShutdownInProgress

	// ShutdownCompleted means no live coop is left; the main loop exits
	ShutdownCompleted
)

// String returns the string representation of ShutdownStatus.
func (s ShutdownStatus) String() string {
	switch s {
	case ShutdownNotStarted:
		return "not_started"
	case ShutdownMustStart:
		return "must_start"
	case ShutdownInProgress:
		return "in_progress"
	case ShutdownCompleted:
		return "completed"
	default:
		return "unknown"
	}
}
