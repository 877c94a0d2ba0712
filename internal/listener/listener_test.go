package listener

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/pipebroker/internal/notify"
	"github.com/danmuck/pipebroker/internal/protocol"
	"github.com/danmuck/pipebroker/internal/protocol/frame"
	"github.com/danmuck/pipebroker/internal/relay"
	"github.com/danmuck/pipebroker/internal/session"
	"github.com/danmuck/pipebroker/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

type notice struct {
	recipient string
	action    string
	payload   protocol.Message
	mode      notify.Mode
}

type broker struct {
	reg        *session.Registry
	engine     *relay.Engine
	targetAddr string
	clientAddr string
	notices    chan notice
	cancel     context.CancelFunc
	done       chan struct{}
}

func startBroker(t *testing.T, assign bool) *broker {
	t.Helper()
	return startBrokerWith(t, ClientConfig{AssignPipe: assign}, nil)
}

// startBrokerWith serves both listeners on loopback. Notifications go to
// the notices channel and, when extra is set, to extra as well.
func startBrokerWith(t *testing.T, clientCfg ClientConfig, extra notify.Notifier) *broker {
	t.Helper()
	reg := session.NewRegistry()
	engine := relay.NewEngine(reg, relay.Options{Logger: zerolog.Nop()})
	notices := make(chan notice, 16)
	var notifier notify.Notifier = notify.Func(func(recipient, action string, payload any, mode notify.Mode) {
		msg, _ := payload.(protocol.Message)
		notices <- notice{recipient: recipient, action: action, payload: msg, mode: mode}
	})
	if extra != nil {
		notifier = notify.Multi{notifier, extra}
	}

	cfg := Config{HandshakeTimeout: 5 * time.Second}
	clientCfg.Config = cfg
	target := NewTargetListener(cfg, reg, engine, zerolog.Nop())
	client := NewClientListener(clientCfg, reg, engine, notifier, zerolog.Nop())

	tln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen target: %v", err)
	}
	cln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &broker{
		reg:        reg,
		engine:     engine,
		targetAddr: tln.Addr().String(),
		clientAddr: cln.Addr().String(),
		notices:    notices,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = target.Serve(ctx, tln)
	}()
	go func() {
		defer wg.Done()
		_ = client.Serve(ctx, cln)
	}()
	go func() {
		wg.Wait()
		close(b.done)
	}()
	t.Cleanup(func() {
		cancel()
		<-b.done
		reg.CloseAll()
		engine.Wait()
	})
	return b
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn net.Conn, action protocol.Action, pipe string) {
	t.Helper()
	if err := protocol.WriteMessage(conn, protocol.Message{Action: action, Pipe: pipe}); err != nil {
		t.Fatalf("write %s: %v", action, err)
	}
}

// readExactFrame reads one frame without consuming bytes after it.
func readExactFrame(t *testing.T, conn net.Conn) protocol.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	raw := make([]byte, frame.HeaderLen)
	if _, err := io.ReadFull(conn, raw); err != nil {
		t.Fatalf("read header: %v", err)
	}
	h, err := frame.DecodeHeader(raw)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if err := h.Validate(frame.DefaultLimits()); err != nil {
		t.Fatalf("validate header: %v", err)
	}
	body := make([]byte, h.BodyLen())
	if _, err := io.ReadFull(conn, body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	msg, err := protocol.DecodeMessage(body)
	if err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return msg
}

func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := conn.Read(make([]byte, 64))
	if err == nil {
		t.Fatalf("expected closed connection, read %d bytes", n)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatalf("connection was left open")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitSession(t *testing.T, reg *session.Registry, pipe string) *session.Session {
	t.Helper()
	var sess *session.Session
	waitFor(t, "session "+pipe, func() bool {
		s, err := reg.Get(pipe)
		sess = s
		return err == nil
	})
	return sess
}

func exchange(t *testing.T, from, to net.Conn, payload []byte) {
	t.Helper()
	errc := make(chan error, 1)
	go func() {
		_, err := from.Write(payload)
		errc <- err
	}()
	got := make([]byte, len(payload))
	_ = to.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, err := io.ReadFull(to, got); err != nil {
		t.Fatalf("read relayed payload: %v", err)
	}
	_ = to.SetReadDeadline(time.Time{})
	if err := <-errc; err != nil {
		t.Fatalf("write payload: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("relayed payload mismatch")
	}
}

func TestPairingTargetFirst(t *testing.T) {
	testlog.Start(t)
	b := startBroker(t, false)

	target := dial(t, b.targetAddr)
	send(t, target, protocol.ActionConnectTarget, "p1")
	sess := waitSession(t, b.reg, "p1")
	if sess.State() != session.StatePending {
		t.Fatalf("expected pending session, got %s", sess.State())
	}

	client := dial(t, b.clientAddr)
	send(t, client, protocol.ActionConnectClient, "p1")

	ack := readExactFrame(t, target)
	if ack.Action != protocol.ActionConnectSuccess || ack.Pipe != "p1" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	select {
	case n := <-b.notices:
		if n.recipient != "p1" || n.action != string(protocol.ActionConnectTarget) || n.payload.Pipe != "p1" || n.mode != notify.ModeRealtime {
			t.Fatalf("unexpected notice: %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no notification emitted")
	}

	exchange(t, client, target, []byte("RFB 003.008\n"))
	exchange(t, target, client, []byte("hello from target"))

	payload := make([]byte, 2<<20)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand: %v", err)
	}
	exchange(t, target, client, payload)

	_ = client.Close()
	expectClosed(t, target)
	waitFor(t, "empty registry", func() bool { return b.reg.Len() == 0 })
}

func TestPairingClientFirst(t *testing.T) {
	testlog.Start(t)
	b := startBroker(t, false)

	client := dial(t, b.clientAddr)
	send(t, client, protocol.ActionConnectClient, "p2")
	waitSession(t, b.reg, "p2")

	target := dial(t, b.targetAddr)
	send(t, target, protocol.ActionConnectTarget, "p2")
	if ack := readExactFrame(t, target); ack.Action != protocol.ActionConnectSuccess {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	exchange(t, client, target, []byte("ping"))
	exchange(t, target, client, []byte("pong"))
}

func TestTargetCompletesExistingPipe(t *testing.T) {
	testlog.Start(t)
	b := startBroker(t, false)

	client := dial(t, b.clientAddr)
	send(t, client, protocol.ActionConnectClient, "p3")
	waitSession(t, b.reg, "p3")

	target := dial(t, b.targetAddr)
	send(t, target, protocol.ActionConnectClient, "p3")
	if ack := readExactFrame(t, target); ack.Action != protocol.ActionConnectSuccess || ack.Pipe != "p3" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	exchange(t, target, client, []byte("framebuffer"))
}

func TestTargetCompletionWithoutClientIsClosed(t *testing.T) {
	testlog.Start(t)
	b := startBroker(t, false)

	target := dial(t, b.targetAddr)
	send(t, target, protocol.ActionConnectClient, "ghost-pipe")
	expectClosed(t, target)
	if b.reg.Len() != 0 {
		t.Fatalf("expected no sessions, got %d", b.reg.Len())
	}
}

func TestBadMagicClosesConnectionWithoutSession(t *testing.T) {
	testlog.Start(t)
	b := startBroker(t, false)

	for _, addr := range []string{b.clientAddr, b.targetAddr} {
		conn := dial(t, addr)
		wire, err := protocol.EncodeMessage(protocol.Message{Action: protocol.ActionConnectClient, Pipe: "bad"})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		binary.BigEndian.PutUint32(wire[0:4], 0xCAFEBABE)
		if _, err := conn.Write(wire); err != nil {
			t.Fatalf("write: %v", err)
		}
		expectClosed(t, conn)
	}
	if b.reg.Len() != 0 {
		t.Fatalf("expected registry untouched, got %d sessions", b.reg.Len())
	}
}

func TestUnknownActionsAreSkipped(t *testing.T) {
	testlog.Start(t)
	b := startBroker(t, false)

	target := dial(t, b.targetAddr)
	send(t, target, protocol.Action("heartbeat"), "")
	send(t, target, protocol.ActionConnectSuccess, "p4")
	send(t, target, protocol.ActionConnectTarget, "p4")
	sess := waitSession(t, b.reg, "p4")
	if src, _ := sess.Conns(); src == nil {
		t.Fatalf("target not attached")
	}
}

func TestBytesAfterHandshakeAreRelayed(t *testing.T) {
	testlog.Start(t)
	b := startBroker(t, false)

	client := dial(t, b.clientAddr)
	wire, err := protocol.EncodeMessage(protocol.Message{Action: protocol.ActionConnectClient, Pipe: "p5"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := client.Write(append(wire, []byte("early")...)); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitSession(t, b.reg, "p5")

	target := dial(t, b.targetAddr)
	send(t, target, protocol.ActionConnectTarget, "p5")
	readExactFrame(t, target)

	got := make([]byte, len("early"))
	_ = target.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(target, got); err != nil {
		t.Fatalf("read early bytes: %v", err)
	}
	if string(got) != "early" {
		t.Fatalf("unexpected early bytes: %q", got)
	}
}

func TestDuplicateTargetRejected(t *testing.T) {
	testlog.Start(t)
	b := startBroker(t, false)

	first := dial(t, b.targetAddr)
	send(t, first, protocol.ActionConnectTarget, "p6")
	sess := waitSession(t, b.reg, "p6")

	second := dial(t, b.targetAddr)
	send(t, second, protocol.ActionConnectTarget, "p6")
	expectClosed(t, second)

	client := dial(t, b.clientAddr)
	send(t, client, protocol.ActionConnectClient, "p6")
	if ack := readExactFrame(t, first); ack.Action != protocol.ActionConnectSuccess {
		t.Fatalf("original target should be paired: %+v", ack)
	}
	if again, _ := b.reg.Get("p6"); again != sess {
		t.Fatalf("session was replaced")
	}
}

func TestAssignedPipeNotifiesAndPairs(t *testing.T) {
	testlog.Start(t)
	b := startBrokerWith(t, ClientConfig{AssignPipe: true, NotifyRecipient: "ops-console"}, nil)

	client := dial(t, b.clientAddr)
	var n notice
	select {
	case n = <-b.notices:
	case <-time.After(5 * time.Second):
		t.Fatalf("no notification for assigned pipe")
	}
	if n.payload.Pipe == "" || n.recipient != "ops-console" {
		t.Fatalf("unexpected notice: %+v", n)
	}

	target := dial(t, b.targetAddr)
	send(t, target, protocol.ActionConnectTarget, n.payload.Pipe)
	if ack := readExactFrame(t, target); ack.Pipe != n.payload.Pipe {
		t.Fatalf("ack for wrong pipe: %+v", ack)
	}
	exchange(t, client, target, []byte("assigned"))
}

func TestAssignedPipeQueuedForConfiguredRecipient(t *testing.T) {
	testlog.Start(t)
	hub := notify.NewHub(notify.HubOptions{})
	defer hub.Close()
	b := startBrokerWith(t, ClientConfig{
		AssignPipe:      true,
		NotifyMode:      notify.ModeDurable,
		NotifyRecipient: "ops-console",
	}, hub)

	dial(t, b.clientAddr)
	select {
	case <-b.notices:
	case <-time.After(5 * time.Second):
		t.Fatalf("no notification for assigned pipe")
	}
	waitFor(t, "queued event", func() bool { return hub.Outbox().Len() == 1 })
	snap := b.reg.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected one pending session, got %d", len(snap))
	}
	queued := hub.Outbox().List()
	if len(queued) != 1 {
		t.Fatalf("expected one queued event, got %d", len(queued))
	}
	ev := queued[0].Event
	if ev.Recipient != "ops-console" || ev.Recipient == snap[0].ID {
		t.Fatalf("event queued for %q, assigned pipe %q", ev.Recipient, snap[0].ID)
	}
	var payload protocol.Message
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Action != protocol.ActionConnectTarget || payload.Pipe != snap[0].ID {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestAssignedPipeWithoutRecipientIsNotAnnounced(t *testing.T) {
	testlog.Start(t)
	b := startBroker(t, true)

	client := dial(t, b.clientAddr)
	waitFor(t, "assigned session", func() bool { return b.reg.Len() == 1 })
	select {
	case n := <-b.notices:
		t.Fatalf("assigned pipe announced to itself: %+v", n)
	case <-time.After(200 * time.Millisecond):
	}

	pipe := b.reg.Snapshot()[0].ID
	target := dial(t, b.targetAddr)
	send(t, target, protocol.ActionConnectTarget, pipe)
	if ack := readExactFrame(t, target); ack.Pipe != pipe {
		t.Fatalf("ack for wrong pipe: %+v", ack)
	}
	exchange(t, client, target, []byte("unannounced"))
}

func TestClientNotificationRecipientOrder(t *testing.T) {
	testlog.Start(t)
	b := startBrokerWith(t, ClientConfig{NotifyRecipient: "ops-console"}, nil)

	withGUID := dial(t, b.clientAddr)
	if err := protocol.WriteMessage(withGUID, protocol.Message{Action: protocol.ActionConnectClient, Pipe: "g1", Recipient: "user-7"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	plain := dial(t, b.clientAddr)
	send(t, plain, protocol.ActionConnectClient, "g2")

	got := map[string]string{}
	for len(got) < 2 {
		select {
		case n := <-b.notices:
			got[n.payload.Pipe] = n.recipient
		case <-time.After(5 * time.Second):
			t.Fatalf("missing notifications: %+v", got)
		}
	}
	if got["g1"] != "user-7" || got["g2"] != "ops-console" {
		t.Fatalf("unexpected recipients: %+v", got)
	}
}

func TestServeStopSweepsPendingSessions(t *testing.T) {
	testlog.Start(t)
	b := startBroker(t, false)

	target := dial(t, b.targetAddr)
	send(t, target, protocol.ActionConnectTarget, "pending")
	waitSession(t, b.reg, "pending")
	idle := dial(t, b.clientAddr)

	b.cancel()
	<-b.done
	expectClosed(t, target)
	expectClosed(t, idle)
	if b.reg.Len() != 0 {
		t.Fatalf("expected pending sessions swept, got %d", b.reg.Len())
	}
}

func TestHandshakeTimeoutClosesIdleConnection(t *testing.T) {
	testlog.Start(t)
	reg := session.NewRegistry()
	engine := relay.NewEngine(reg, relay.Options{Logger: zerolog.Nop()})
	l := NewTargetListener(Config{HandshakeTimeout: 50 * time.Millisecond}, reg, engine, zerolog.Nop())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx, ln) }()
	defer func() {
		cancel()
		<-done
	}()

	conn := dial(t, ln.Addr().String())
	expectClosed(t, conn)
	waitFor(t, "handshake drained", func() bool { return l.Handshaking() == 0 })
}
