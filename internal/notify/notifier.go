package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Mode selects delivery semantics for one notification.
type Mode int

const (
	// ModeRealtime reaches currently connected subscribers or is dropped.
	ModeRealtime Mode = iota
	// ModeDurable is held until a subscriber for the recipient appears.
	ModeDurable
)

func (m Mode) String() string {
	if m == ModeDurable {
		return "durable"
	}
	return "realtime"
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "durable":
		*m = ModeDurable
	case "realtime", "":
		*m = ModeRealtime
	default:
		return fmt.Errorf("notify: unknown mode %q", text)
	}
	return nil
}

// Notifier delivers pairing notifications out of band. Notify must not block
// on the recipient and reports no result.
type Notifier interface {
	Notify(recipient, action string, payload any, mode Mode)
}

// Func adapts a function to Notifier.
type Func func(recipient, action string, payload any, mode Mode)

func (f Func) Notify(recipient, action string, payload any, mode Mode) {
	f(recipient, action, payload, mode)
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(string, string, any, Mode) {}

// Multi fans one notification out to several notifiers in order.
type Multi []Notifier

func (m Multi) Notify(recipient, action string, payload any, mode Mode) {
	for _, n := range m {
		if n != nil {
			n.Notify(recipient, action, payload, mode)
		}
	}
}

// Event is the JSON envelope pushed to subscribers.
type Event struct {
	ID        string          `json:"id"`
	Recipient string          `json:"recipient"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Mode      Mode            `json:"mode"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewEvent builds an envelope with a fresh id. A payload that cannot be
// encoded is carried as null.
func NewEvent(recipient, action string, payload any, mode Mode) Event {
	ev := Event{
		ID:        uuid.NewString(),
		Recipient: recipient,
		Action:    action,
		Mode:      mode,
		CreatedAt: time.Now().UTC(),
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}
