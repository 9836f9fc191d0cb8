package nntppool

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/nzbcore/gonzb/internal/nntp"
)

// startGreeter runs a fake server that greets every accepted connection
// and answers NOOP with 200, enough for Acquire/Release/IsHealthy to
// exercise a full pool lifecycle.
func startGreeter(t *testing.T) (addr string, port int, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				w := bufio.NewWriter(c)
				r := bufio.NewReader(c)
				w.WriteString("200 welcome\r\n")
				w.Flush()
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if len(line) >= 4 && line[:4] == "QUIT" {
						w.WriteString("205 bye\r\n")
						w.Flush()
						return
					}
					w.WriteString("200 ok\r\n")
					w.Flush()
				}
			}(conn)
		}
	}()
	tcpAddr := ln.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), tcpAddr.Port, func() { ln.Close() }
}

func TestAcquireReleaseReusesConnection(t *testing.T) {
	host, port, closeFn := startGreeter(t)
	defer closeFn()

	p := New(nntp.Config{Host: host, Port: port}, 2, nil, nntp.DefaultTimeouts())
	defer p.Close()

	ctx := context.Background()
	c1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(c1)

	if got := p.Stats().Idle; got != 1 {
		t.Fatalf("expected 1 idle connection, got %d", got)
	}

	c2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if c2 != c1 {
		t.Fatalf("expected Acquire to reuse the idle connection")
	}
	p.Release(c2)
}

func TestAcquireBlocksAtMaxSize(t *testing.T) {
	host, port, closeFn := startGreeter(t)
	defer closeFn()

	p := New(nntp.Config{Host: host, Port: port}, 1, nil, nntp.DefaultTimeouts())
	defer p.Close()

	ctx := context.Background()
	c1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx2, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx2); err == nil {
		t.Fatalf("expected Acquire to block past maxSize until timeout")
	}

	p.Release(c1)
}

func TestAcquireUnblocksOnRelease(t *testing.T) {
	host, port, closeFn := startGreeter(t)
	defer closeFn()

	p := New(nntp.Config{Host: host, Port: port}, 1, nil, nntp.DefaultTimeouts())
	defer p.Close()

	ctx := context.Background()
	c1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	done := make(chan *nntp.Conn, 1)
	go func() {
		c, err := p.Acquire(ctx)
		if err != nil {
			t.Errorf("Acquire: %v", err)
			return
		}
		done <- c
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(c1)

	select {
	case c2 := <-done:
		p.Release(c2)
	case <-time.After(time.Second):
		t.Fatalf("Acquire did not unblock after Release")
	}
}

func TestDiscardFreesSlotWithoutReuse(t *testing.T) {
	host, port, closeFn := startGreeter(t)
	defer closeFn()

	p := New(nntp.Config{Host: host, Port: port}, 1, nil, nntp.DefaultTimeouts())
	defer p.Close()

	ctx := context.Background()
	c1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Discard(c1)

	if got := p.Stats(); got.Idle != 0 || got.Live != 0 {
		t.Fatalf("expected empty pool after discard, got %+v", got)
	}

	c2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after discard: %v", err)
	}
	if c2 == c1 {
		t.Fatalf("expected a fresh connection after discard")
	}
	p.Release(c2)
}
