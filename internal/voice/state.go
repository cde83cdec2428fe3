package voice

// State represents a capture session state.
type State string

const (
	Idle                 State = "IDLE"
	RequestingPermission State = "REQUESTING_PERMISSION"
	Recording            State = "RECORDING"
	Stopping             State = "STOPPING"
	Encoding             State = "ENCODING"
	Uploading            State = "UPLOADING"
	Sent                 State = "SENT"
	Cancelled            State = "CANCELLED"
	Failed               State = "FAILED"
)

// validTransitions defines allowed state transitions. Cancelled and Failed
// are reachable from every non-terminal state; terminal states reset to
// Idle so the pipeline can be reused.
var validTransitions = map[State][]State{
	Idle:                 {RequestingPermission},
	RequestingPermission: {Recording, Cancelled, Failed},
	Recording:            {Stopping, Cancelled, Failed},
	Stopping:             {Encoding, Cancelled, Failed},
	Encoding:             {Uploading, Sent, Cancelled, Failed},
	Uploading:            {Sent, Cancelled, Failed},
	Sent:                 {Idle},
	Cancelled:            {Idle},
	Failed:               {Idle},
}

// StateChange is the payload for voice.state_changed events.
type StateChange struct {
	From State
	To   State
}
