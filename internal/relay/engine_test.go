package relay

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/danmuck/pipebroker/internal/session"
	"github.com/danmuck/pipebroker/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

// tcpPair returns the broker-held end and the remote peer end of one
// loopback connection.
func tcpPair(t *testing.T) (held net.Conn, peer net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- c
	}()
	peer, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	held = <-accepted
	if held == nil {
		t.Fatalf("accept failed")
	}
	t.Cleanup(func() {
		_ = held.Close()
		_ = peer.Close()
	})
	return held, peer
}

func pairedSession(t *testing.T, reg *session.Registry, pipe string) (*session.Session, net.Conn, net.Conn) {
	t.Helper()
	targetHeld, targetPeer := tcpPair(t)
	clientHeld, clientPeer := tcpPair(t)
	if _, _, err := reg.AttachTarget(pipe, targetHeld); err != nil {
		t.Fatalf("attach target: %v", err)
	}
	sess, paired, err := reg.AttachClient(pipe, clientHeld)
	if err != nil || !paired {
		t.Fatalf("attach client: paired=%v err=%v", paired, err)
	}
	return sess, targetPeer, clientPeer
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

func TestRelayLargePayloadBothWays(t *testing.T) {
	testlog.Start(t)
	reg := session.NewRegistry()
	engine := NewEngine(reg, Options{Logger: zerolog.Nop()})
	sess, targetPeer, clientPeer := pairedSession(t, reg, "bulk")

	if !engine.Start(sess) {
		t.Fatalf("expected relay start")
	}
	if engine.Start(sess) {
		t.Fatalf("relay must start only once")
	}

	const size = 10 << 20
	down := make([]byte, size)
	up := make([]byte, size)
	if _, err := rand.Read(down); err != nil {
		t.Fatalf("rand: %v", err)
	}
	if _, err := rand.Read(up); err != nil {
		t.Fatalf("rand: %v", err)
	}

	writeErr := make(chan error, 2)
	go func() {
		_, err := targetPeer.Write(down)
		writeErr <- err
	}()
	go func() {
		_, err := clientPeer.Write(up)
		writeErr <- err
	}()

	gotDown := make([]byte, size)
	gotUp := make([]byte, size)
	readErr := make(chan error, 2)
	go func() {
		_, err := io.ReadFull(clientPeer, gotDown)
		readErr <- err
	}()
	go func() {
		_, err := io.ReadFull(targetPeer, gotUp)
		readErr <- err
	}()
	for i := 0; i < 2; i++ {
		if err := <-writeErr; err != nil {
			t.Fatalf("peer write: %v", err)
		}
		if err := <-readErr; err != nil {
			t.Fatalf("peer read: %v", err)
		}
	}
	if !bytes.Equal(gotDown, down) {
		t.Fatalf("target->client payload mismatch")
	}
	if !bytes.Equal(gotUp, up) {
		t.Fatalf("client->target payload mismatch")
	}
	toClient, toTarget := sess.Bytes()
	if toClient != size || toTarget != size {
		t.Fatalf("byte counters: to_client=%d to_target=%d", toClient, toTarget)
	}

	_ = targetPeer.Close()
	engine.Wait()
}

func TestRelayCloseOneSideClosesOther(t *testing.T) {
	testlog.Start(t)
	for _, closeTarget := range []bool{true, false} {
		reg := session.NewRegistry()
		engine := NewEngine(reg, Options{BufferSize: 512, Logger: zerolog.Nop()})
		sess, targetPeer, clientPeer := pairedSession(t, reg, "close")
		engine.Start(sess)

		closer, survivor := targetPeer, clientPeer
		if !closeTarget {
			closer, survivor = clientPeer, targetPeer
		}
		if _, err := closer.Write([]byte("last words")); err != nil {
			t.Fatalf("write: %v", err)
		}
		buf := make([]byte, len("last words"))
		if _, err := io.ReadFull(survivor, buf); err != nil {
			t.Fatalf("read before close: %v", err)
		}
		_ = closer.Close()

		_ = survivor.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, err := survivor.Read(make([]byte, 1)); !IsExpectedCloseError(err) {
			t.Fatalf("closeTarget=%v expected survivor closed, got %v", closeTarget, err)
		}
		engine.Wait()
		if reg.Len() != 0 {
			t.Fatalf("closeTarget=%v registry not empty: %d", closeTarget, reg.Len())
		}
		if sess.State() != session.StateClosed {
			t.Fatalf("closeTarget=%v expected closed state, got %s", closeTarget, sess.State())
		}
		if engine.Active() != 0 {
			t.Fatalf("closeTarget=%v expected no active relays", closeTarget)
		}
	}
}

func TestStartRejectsPendingSession(t *testing.T) {
	testlog.Start(t)
	reg := session.NewRegistry()
	engine := NewEngine(reg, Options{Logger: zerolog.Nop()})
	held, _ := tcpPair(t)
	sess, _, err := reg.AttachTarget("lonely", held)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if engine.Start(sess) {
		t.Fatalf("pending session must not relay")
	}
	if engine.Start(nil) {
		t.Fatalf("nil session must not relay")
	}
}

func TestWithPrefixReplaysLeadBytes(t *testing.T) {
	testlog.Start(t)
	held, peer := tcpPair(t)
	conn := WithPrefix(held, []byte("RFB "))
	if _, err := peer.Write([]byte("003.008\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, len("RFB 003.008\n"))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "RFB 003.008\n" {
		t.Fatalf("unexpected stream: %q", got)
	}
	if WithPrefix(held, nil) != held {
		t.Fatalf("empty prefix should return conn unchanged")
	}
}

type shortWriter struct {
	buf bytes.Buffer
}

func (w *shortWriter) Write(p []byte) (int, error) {
	if len(p) > 3 {
		p = p[:3]
	}
	return w.buf.Write(p)
}

func TestPumpWritesFully(t *testing.T) {
	testlog.Start(t)
	w := &shortWriter{}
	var counted int64
	n, err := pump(w, bytes.NewReader([]byte("abcdefghij")), make([]byte, 8), func(d int64) { counted += d })
	if err != nil {
		t.Fatalf("pump: %v", err)
	}
	if n != 10 || counted != 10 || w.buf.String() != "abcdefghij" {
		t.Fatalf("unexpected pump result n=%d counted=%d out=%q", n, counted, w.buf.String())
	}
}

func TestIsExpectedCloseError(t *testing.T) {
	expected := []error{io.EOF, net.ErrClosed, io.ErrClosedPipe, syscall.EPIPE, syscall.ECONNRESET,
		&net.OpError{Op: "read", Err: syscall.ECONNRESET}}
	for _, err := range expected {
		if !IsExpectedCloseError(err) {
			t.Fatalf("expected %v to be a normal close", err)
		}
	}
	for _, err := range []error{nil, errors.New("boom"), syscall.EACCES} {
		if IsExpectedCloseError(err) {
			t.Fatalf("did not expect %v to be a normal close", err)
		}
	}
}
