package session

// TurnState is the assistant-turn state machine:
// Idle → Generating → (Completed | Interrupted) → Idle.
type TurnState int

const (
	StateIdle TurnState = iota
	StateGenerating
	StateCompleted
	StateInterrupted
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGenerating:
		return "generating"
	case StateCompleted:
		return "completed"
	case StateInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}
