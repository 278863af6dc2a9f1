// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package transport_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/muxrpc"
	"github.com/creachadair/muxrpc/transport"
	"github.com/fortytw2/leaktest"
)

// sink is a muxrpc.Conn that counts the bytes sent to it.
type sink struct {
	μ      sync.Mutex
	bytes  int
	frames int
}

func (s *sink) Send(f *muxrpc.Frame) error {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.bytes += f.Size()
	s.frames++
	return nil
}

func (*sink) Recv(time.Duration) (*muxrpc.Frame, error) { return nil, errors.New("not implemented") }
func (*sink) Close() error                               { return nil }

func TestThrottle(t *testing.T) {
	defer leaktest.Check(t)()

	const rate = 100_000 // bytes per second
	const burst = 1000
	var s sink
	c := transport.Throttle(&s, transport.QuotaOptions{BytesPerSecond: rate, Burst: burst})

	// Send 20000 bytes; beyond the initial burst, this should take at least
	// (20000-1000)/100000 = 190ms.
	f := &muxrpc.Frame{Payload: make([]byte, 1000-4-muxrpc.HeaderSize)}
	start := time.Now()
	for range 20 {
		if err := c.Send(f); err != nil {
			t.Fatalf("Send: unexpected error: %v", err)
		}
	}
	elapsed := time.Since(start)
	if s.bytes != 20_000 {
		t.Errorf("Sent %d bytes, want 20000", s.bytes)
	}
	if want := 150 * time.Millisecond; elapsed < want {
		t.Errorf("Sending took %v, want at least %v", elapsed, want)
	}
	t.Logf("Sent %d bytes in %v (%.0f B/s)", s.bytes, elapsed, float64(s.bytes)/elapsed.Seconds())

	t.Run("LargeFrame", func(t *testing.T) {
		// A frame larger than the burst is paced in steps.
		big := &muxrpc.Frame{Payload: make([]byte, 5*burst)}
		if err := c.Send(big); err != nil {
			t.Errorf("Send large: unexpected error: %v", err)
		}
	})
}

func TestThrottleNonBlocking(t *testing.T) {
	defer leaktest.Check(t)()

	var s sink
	c := transport.Throttle(&s, transport.QuotaOptions{BytesPerSecond: 1000, NonBlocking: true})

	f := &muxrpc.Frame{Payload: make([]byte, 400-4-muxrpc.HeaderSize)}
	var sent, refused int
	for range 5 {
		err := c.Send(f)
		switch {
		case err == nil:
			sent++
		case errors.Is(err, transport.ErrBackpressure):
			refused++
			if !muxrpc.IsRetryable(err) {
				t.Errorf("Backpressure error %v is not retryable", err)
			}
		default:
			t.Fatalf("Send: unexpected error: %v", err)
		}
	}
	// The initial burst of 1000 bytes admits two 400-byte frames.
	if sent != 2 || refused != 3 {
		t.Errorf("Got %d sent, %d refused; want 2, 3", sent, refused)
	}

	big := &muxrpc.Frame{Payload: make([]byte, 2000)}
	if err := c.Send(big); err == nil || muxrpc.IsRetryable(err) {
		t.Errorf("Send larger than burst: got %v, want a non-retryable error", err)
	}
}

func TestThrottleDisabled(t *testing.T) {
	var s sink
	if c := transport.Throttle(&s, transport.QuotaOptions{}); c != muxrpc.Conn(&s) {
		t.Errorf("Throttle with zero rate: got %T, want the original conn", c)
	}
}
