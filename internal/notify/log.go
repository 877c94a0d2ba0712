package notify

import "github.com/rs/zerolog"

// LogNotifier writes each notification to the log. It is the fallback when
// no push channel is configured.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (n LogNotifier) Notify(recipient, action string, payload any, mode Mode) {
	n.Logger.Info().
		Str("recipient", recipient).
		Str("action", action).
		Stringer("mode", mode).
		Interface("payload", payload).
		Msg("notify")
}
