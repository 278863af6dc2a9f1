package muxrpc

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/creachadair/muxrpc/archive"
	"github.com/creachadair/muxrpc/pool"
	"github.com/fortytw2/leaktest"
)

func TestUTF8Truncation(t *testing.T) {
	tests := []struct {
		input string
		size  int
		want  string
	}{
		{"", 1000, ""},                 // n > length
		{"abc", 4, "abc"},              // n > length
		{"abc", 3, "abc"},              // n == length
		{"abcdefg", 4, "abcd"},         // n < length, safe
		{"abcdefg", 0, ""},             // n < length, safe
		{"abc\U0001fc2d", 3, "abc"},    // n < length, at boundary
		{"abc\U0001fc2d", 4, "abc"},    // n < length, mid-rune
		{"abc\U0001fc2d", 5, "abc"},    // n < length, mid-rune
		{"abc\U0001fc2d", 6, "abc"},    // n < length, mid-rune
		{"abc\U0001fc2defg", 7, "abc"}, // n < length, cut multibyte
	}

	for _, tc := range tests {
		got := truncate(tc.input, tc.size)
		if got != tc.want {
			t.Errorf("truncate(%q, %d): got %q, want %q", tc.input, tc.size, got, tc.want)
		}

		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d): result %q is not valid UTF-8", tc.input, tc.size, got)
		}
	}
}

func TestFaultFor(t *testing.T) {
	tests := []struct {
		input error
		kind  FaultKind
		code  uint16
	}{
		{errors.New("bad"), FaultApplication, 0},
		{RemoteError{Code: 17, Message: "x"}, FaultApplication, 17},
		{&RemoteError{Code: 18, Message: "y"}, FaultApplication, 18},
		{fmt.Errorf("wrapped: %w", &RemoteError{Kind: FaultShutdown, Code: 3}), FaultShutdown, 3},
		{&archive.VersionError{Got: 9, Accept: []byte{1}}, FaultVersion, 0},
		{fmt.Errorf("method 1.2: %w", ErrUnknownMethod), FaultUnknownMethod, 0},
		{pool.ErrShutdown, FaultShutdown, 0},
		{&pool.PanicError{Value: "oops"}, FaultApplication, 0},
	}
	for _, tc := range tests {
		got := faultFor(tc.input)
		if got.Kind != tc.kind || got.Code != tc.code {
			t.Errorf("faultFor(%v): got %v, want kind %v code %d", tc.input, got, tc.kind, tc.code)
		}

		// The fault reconstructed by the caller matches the same sentinel.
		rerr := remoteError(got)
		if want := (RemoteError{Kind: tc.kind}).Unwrap(); !errors.Is(rerr, want) {
			t.Errorf("remoteError(%v): does not match %v", got, want)
		}
	}
}

func TestFaultMessageLimit(t *testing.T) {
	long := strings.Repeat("é", 40000) // 80000 bytes
	var ft Fault
	if err := ft.UnmarshalBinary(Fault{Message: long}.Encode()); err != nil {
		t.Fatalf("Decode: unexpected error: %v", err)
	}
	if len(ft.Message) > 65535 || !utf8.ValidString(ft.Message) {
		t.Errorf("Message: got %d bytes (valid=%v), want ≤ 65535 valid UTF-8",
			len(ft.Message), utf8.ValidString(ft.Message))
	}
}

func TestTreatErrorAsSuccess(t *testing.T) {
	for _, err := range []error{
		io.EOF,
		net.ErrClosed,
		&TransportError{Op: "recv", Err: io.EOF},
	} {
		if !treatErrorAsSuccess(err) {
			t.Errorf("treatErrorAsSuccess(%v): got false, want true", err)
		}
	}
	for _, err := range []error{
		nil,
		io.ErrUnexpectedEOF,
		&ProtocolError{Err: io.ErrUnexpectedEOF},
	} {
		if treatErrorAsSuccess(err) {
			t.Errorf("treatErrorAsSuccess(%v): got true, want false", err)
		}
	}
}

// quietConn is a Conn that never delivers a frame. Recv blocks until Close.
type quietConn struct {
	once sync.Once
	done chan struct{}
}

func newQuietConn() *quietConn { return &quietConn{done: make(chan struct{})} }

func (c *quietConn) Send(*Frame) error { return nil }

func (c *quietConn) Recv(time.Duration) (*Frame, error) {
	<-c.done
	return nil, net.ErrClosed
}

func (c *quietConn) Close() error { c.once.Do(func() { close(c.done) }); return nil }

func TestReapIfIdle(t *testing.T) {
	defer leaktest.Check(t)()

	srv := NewServer(&ServerOptions{Workers: 1})
	defer srv.Shutdown(false)
	sess, err := srv.Start(newQuietConn())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	setState := func(state SessionState, last time.Time) {
		sess.μ.Lock()
		defer sess.μ.Unlock()
		sess.state, sess.last = state, last
	}
	now := time.Now()

	// A session with active handlers is never reaped.
	setState(StateDispatching, now.Add(-time.Hour))
	if sess.reapIfIdle(now) {
		t.Error("Reaped a dispatching session")
	}

	// An idle session that saw a frame recently is kept.
	setState(StateIdle, now)
	if sess.reapIfIdle(now.Add(-time.Second)) {
		t.Error("Reaped a recently active session")
	}

	// An idle session past the cutoff is reaped exactly once, and is closing
	// as soon as the check reports true.
	setState(StateIdle, now.Add(-time.Hour))
	if !sess.reapIfIdle(now) {
		t.Fatal("Did not reap an idle session")
	}
	if got := sess.State(); got < StateClosing {
		t.Errorf("State after reaping: got %v, want closing", got)
	}
	if sess.reapIfIdle(now) {
		t.Error("Reaped the same session twice")
	}
	if err := sess.Wait(); err != nil {
		t.Errorf("Wait: unexpected error: %v", err)
	}
	if n := len(srv.Sessions()); n != 0 {
		t.Errorf("Got %d sessions after reaping, want 0", n)
	}
}
