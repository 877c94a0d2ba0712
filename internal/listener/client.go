package listener

import (
	"context"
	"net"
	"strings"

	"github.com/danmuck/pipebroker/internal/notify"
	"github.com/danmuck/pipebroker/internal/observability"
	"github.com/danmuck/pipebroker/internal/protocol"
	"github.com/danmuck/pipebroker/internal/protocol/frame"
	"github.com/danmuck/pipebroker/internal/relay"
	"github.com/danmuck/pipebroker/internal/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ClientConfig struct {
	Config
	// AssignPipe skips the handshake frame and pairs each client under a
	// freshly generated pipe.
	AssignPipe bool
	// NotifyMode is the delivery mode for pairing notifications.
	NotifyMode notify.Mode
	// NotifyRecipient is told about pipes whose client named no userguid.
	// An assigned pipe is only announced through it.
	NotifyRecipient string
}

// ClientListener accepts client-side connections (the party initiating a
// session, e.g. a noVNC gateway).
type ClientListener struct {
	*base
	assign    bool
	mode      notify.Mode
	recipient string
	notifier  notify.Notifier
}

func NewClientListener(cfg ClientConfig, reg *session.Registry, engine *relay.Engine, notifier notify.Notifier, logger zerolog.Logger) *ClientListener {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	l := &ClientListener{
		base:      newBase(session.SideClient, cfg.Config, reg, engine, logger),
		assign:    cfg.AssignPipe,
		mode:      cfg.NotifyMode,
		recipient: strings.TrimSpace(cfg.NotifyRecipient),
		notifier:  notifier,
	}
	if l.assign && l.recipient == "" {
		l.log.Warn().Msg("listener.client assigned pipes have no notify recipient; targets cannot learn them")
	}
	return l
}

func (l *ClientListener) Serve(ctx context.Context, ln net.Listener) error {
	return l.serve(ctx, ln, l.handshake)
}

func (l *ClientListener) handshake(conn net.Conn) error {
	var (
		msg protocol.Message
		fr  *frame.Reader
	)
	if l.assign {
		msg = protocol.Message{Action: protocol.ActionConnectClient, Pipe: uuid.NewString()}
	} else {
		fr = frame.NewReader(conn, l.cfg.Limits)
		var err error
		msg, err = l.readHandshake(fr, protocol.ActionConnectClient)
		if err != nil {
			return err
		}
	}

	sess, paired, err := l.attach(conn, fr, msg.Pipe, l.reg.AttachClient)
	if err != nil {
		return err
	}
	l.announce(msg)
	if paired {
		return l.complete(sess)
	}
	return nil
}

// announce tells the target-side application that a pairing point exists.
// The recipient is the client's userguid, then the configured recipient,
// then the pipe itself. A generated pipe is never its own recipient since
// nobody can subscribe to it before learning it.
func (l *ClientListener) announce(msg protocol.Message) {
	if strings.TrimSpace(msg.Recipient) == "" {
		msg.Recipient = l.recipient
	}
	if l.assign && strings.TrimSpace(msg.Recipient) == "" {
		l.log.Debug().Str("pipe", msg.Pipe).Msg("listener.client assigned pipe not announced")
		return
	}
	payload := protocol.Message{Action: protocol.ActionConnectTarget, Pipe: msg.Pipe}
	l.notifier.Notify(msg.NotifyRecipient(), string(protocol.ActionConnectTarget), payload, l.mode)
	observability.RecordNotification(l.mode.String())
}
