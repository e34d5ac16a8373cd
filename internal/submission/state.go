package submission

import "time"

// State is a step of the submission state machine
type State string

const (
	Idle                 State = "idle"
	Validating           State = "validating"
	UploadingMedia       State = "uploading_media"
	Encoding             State = "encoding"
	Submitting           State = "submitting"
	AwaitingConfirmation State = "awaiting_confirmation"
	Succeeded            State = "succeeded"
	Failed               State = "failed"
)

// Terminal reports whether no further transition follows s
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed
}

// InFlight reports whether the submit control is disabled in s
func (s State) InFlight() bool {
	switch s {
	case Validating, UploadingMedia, Encoding, Submitting, AwaitingConfirmation:
		return true
	}
	return false
}

var allowed = map[State][]State{
	Idle:                 {Validating, Failed},
	Validating:           {UploadingMedia, Encoding, Failed},
	UploadingMedia:       {Encoding, Failed},
	Encoding:             {Submitting, Failed},
	Submitting:           {AwaitingConfirmation, Failed},
	AwaitingConfirmation: {Succeeded, Failed},
	Succeeded:            {Idle},
	Failed:               {Idle},
}

// CanTransition reports whether from → to is an edge of the state machine
func CanTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is one observed state change
type Transition struct {
	From  State     `json:"from"`
	To    State     `json:"to"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
