package listener

import (
	"context"
	"net"

	"github.com/danmuck/pipebroker/internal/protocol"
	"github.com/danmuck/pipebroker/internal/protocol/frame"
	"github.com/danmuck/pipebroker/internal/relay"
	"github.com/danmuck/pipebroker/internal/session"
	"github.com/rs/zerolog"
)

// TargetListener accepts target-side connections (the endpoint being
// reached, e.g. a VNC agent).
type TargetListener struct {
	*base
}

func NewTargetListener(cfg Config, reg *session.Registry, engine *relay.Engine, logger zerolog.Logger) *TargetListener {
	return &TargetListener{
		base: newBase(session.SideTarget, cfg, reg, engine, logger),
	}
}

func (l *TargetListener) Serve(ctx context.Context, ln net.Listener) error {
	return l.serve(ctx, ln, l.handshake)
}

// handshake registers the target under its pipe. connect-target may open a
// new session; connect-client completes one a client already opened.
func (l *TargetListener) handshake(conn net.Conn) error {
	fr := frame.NewReader(conn, l.cfg.Limits)
	msg, err := l.readHandshake(fr, protocol.ActionConnectTarget, protocol.ActionConnectClient)
	if err != nil {
		return err
	}

	fn := l.reg.AttachTarget
	if msg.Action == protocol.ActionConnectClient {
		fn = l.reg.AttachTargetExisting
	}
	sess, paired, err := l.attach(conn, fr, msg.Pipe, fn)
	if err != nil {
		return err
	}
	if paired {
		return l.complete(sess)
	}
	return nil
}
