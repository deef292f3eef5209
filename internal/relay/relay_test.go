package relay

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/coinstash/penum/internal/transport"
)

// TestCopy_IsTransparent verifies property #5: for any byte stream fed to
// one side, the other side observes it bit-exact, and the relay itself
// never alters it.
func TestCopy_IsTransparent(t *testing.T) {
	a1, a2 := net.Pipe()
	b1, b2 := net.Pipe()

	done := make(chan struct{})
	go func() {
		Copy(a2, b2)
		close(done)
	}()

	want := bytes.Repeat([]byte("opaque tunnel bytes, not interpreted"), 10)

	go func() {
		a1.Write(want)
		a1.Close()
	}()

	got, err := io.ReadAll(b1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("relay altered the byte stream")
	}

	// b1 is never closed here: the finished a-side alone must tear the
	// whole relay down.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Copy did not return after one side finished")
	}
}

// TestCopy_FirstFinisherWins verifies the teardown rule: as soon as one
// direction finishes, the other is cancelled rather than waited on, so a
// peer holding its half open cannot pin the relay.
func TestCopy_FirstFinisherWins(t *testing.T) {
	a1, a2 := net.Pipe()
	b1, b2 := net.Pipe()
	defer b1.Close()

	done := make(chan struct{})
	go func() {
		Copy(a2, b2)
		close(done)
	}()

	// One direction finishes immediately; the b side never closes and
	// never sends, so the reverse copy would block forever on its own.
	a1.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Copy waited on the unfinished direction instead of cancelling it")
	}
}

func TestHop_RelaysConnectionToNextHop(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer upstream.Close()

	want := []byte("hello through the relay")

	// The upstream peer reads the full message, echoes it, and closes —
	// the same finish-one-exchange-then-close shape the gateway has.
	// Half-closing the client side instead would race the echo against
	// the relay's first-finisher teardown.
	echoDone := make(chan struct{})
	go func() {
		defer close(echoDone)
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, len(want))
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		conn.Write(buf)
	}()

	cfg := DefaultConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.NextHop = upstream.Addr().String()

	hop, err := NewHop(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := hop.Start(); err != nil {
		t.Fatal(err)
	}
	defer hop.Stop()

	conn, err := net.Dial("tcp", hop.Address().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write(want); err != nil {
		t.Fatal(err)
	}

	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestNewHop_RequiresNextHop(t *testing.T) {
	if _, err := NewHop(Config{ListenAddress: "127.0.0.1:0"}); err == nil {
		t.Fatal("expected error for missing next hop")
	}
}

// TestHop_CrossTransport accepts WebSocket inbound and dials plain TCP
// onward: the relay never notices the carriers differ.
func TestHop_CrossTransport(t *testing.T) {
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer upstreamLn.Close()

	go func() {
		conn, err := upstreamLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	cfg := DefaultConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.NextHop = upstreamLn.Addr().String()
	cfg.ListenTransport = transport.NewWebSocketTransport()
	cfg.DialTransport = transport.NewTCPTransport()

	hop, err := NewHop(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := hop.Start(); err != nil {
		t.Fatal(err)
	}
	defer hop.Stop()

	dialer := transport.NewWebSocketTransport()
	defer dialer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := dialer.Dial(ctx, hop.Address().String(), transport.DialOptions{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	want := []byte("bytes across carriers")
	if _, err := conn.Write(want); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, len(want))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestHop_IdleTimeoutTearsDownStalledConnection(t *testing.T) {
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer upstreamLn.Close()

	go func() {
		conn, err := upstreamLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(io.Discard, conn)
	}()

	cfg := DefaultConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.NextHop = upstreamLn.Addr().String()
	cfg.IdleTimeout = 200 * time.Millisecond

	hop, err := NewHop(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := hop.Start(); err != nil {
		t.Fatal(err)
	}
	defer hop.Stop()

	conn, err := net.Dial("tcp", hop.Address().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Write once, then stall. The relay must close the connection on its
	// own once both directions sit idle.
	conn.Write([]byte("one packet then silence"))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected the relay to close the stalled connection")
	} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Fatal("relay did not tear down the idle connection in time")
	}
}

func TestHop_AcceptRateLimit(t *testing.T) {
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer upstreamLn.Close()

	go func() {
		for {
			conn, err := upstreamLn.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()

	cfg := DefaultConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.NextHop = upstreamLn.Addr().String()
	cfg.AcceptsPerSecond = 1

	hop, err := NewHop(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := hop.Start(); err != nil {
		t.Fatal(err)
	}
	defer hop.Stop()

	// The bucket holds at most 2 initial tokens (rate 1, burst 2); a
	// burst of 10 connections must see most dropped immediately.
	relayed := 0
	for i := 0; i < 10; i++ {
		conn, err := net.Dial("tcp", hop.Address().String())
		if err != nil {
			continue
		}
		conn.SetDeadline(time.Now().Add(500 * time.Millisecond))
		conn.Write([]byte("x"))
		buf := make([]byte, 1)
		if _, err := io.ReadFull(conn, buf); err == nil {
			relayed++
		}
		conn.Close()
	}

	if relayed > 3 {
		t.Errorf("rate limiter let %d of 10 burst connections through", relayed)
	}
}
