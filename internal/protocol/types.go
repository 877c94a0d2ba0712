package protocol

import (
	"fmt"
	"strings"
)

// Action names the handshake step a frame carries.
type Action string

const (
	ActionConnectTarget  Action = "connect-target"
	ActionConnectClient  Action = "connect-client"
	ActionConnectSuccess Action = "connect-success"
)

// Known reports whether a is one of the recognized actions. Unknown actions
// still decode; handshake logic ignores them.
func (a Action) Known() bool {
	switch a {
	case ActionConnectTarget, ActionConnectClient, ActionConnectSuccess:
		return true
	default:
		return false
	}
}

// Message is the decoded handshake body.
type Message struct {
	Action Action `json:"action"`
	Pipe   string `json:"pipe"`
	// Recipient is the notification address of the party that should be
	// told about this pipe. Optional.
	Recipient string `json:"userguid,omitempty"`
}

func (m Message) Validate() error {
	if strings.TrimSpace(string(m.Action)) == "" {
		return fmt.Errorf("%w: missing action", ErrBadBody)
	}
	if m.Action.Known() && strings.TrimSpace(m.Pipe) == "" {
		return fmt.Errorf("%w: missing pipe", ErrBadBody)
	}
	return nil
}

// NotifyRecipient returns the address a pairing notification goes to.
func (m Message) NotifyRecipient() string {
	if r := strings.TrimSpace(m.Recipient); r != "" {
		return r
	}
	return m.Pipe
}
