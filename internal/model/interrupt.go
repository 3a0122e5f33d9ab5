package model

import "time"

// InterruptRequest asks for a command to be stopped.
type InterruptRequest struct {
	CommandID string        `json:"commandId"`
	Reason    string        `json:"reason,omitempty"`
	Force     bool          `json:"force,omitempty"`
	Timeout   time.Duration `json:"-"`
	UserID    string        `json:"-"`
}

// InterruptResult reports what an interrupt request did.
type InterruptResult struct {
	CommandID      string        `json:"commandId"`
	WasInterrupted bool          `json:"wasInterrupted"`
	PreviousStatus CommandStatus `json:"previousStatus,omitempty"`
	Reason         string        `json:"reason,omitempty"`
}
