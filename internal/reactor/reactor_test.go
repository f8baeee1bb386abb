package reactor

import (
	"context"
	"net"
	"net/textproto"
	"testing"
	"time"

	"github.com/tochire/PigeonX/internal/storage"
	"github.com/tochire/PigeonX/internal/testlib"
)

func TestServeGreetsAndRegisters(t *testing.T) {
	addr := testlib.GetFreePort()

	l, err := Listen(context.Background(), addr)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	db := storage.NewFakeAdapter()
	r := New("mx.test", 1<<20, 10, 2, db)

	done := make(chan error, 1)
	go func() { done <- r.Serve(l) }()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	tp := textproto.NewConn(conn)
	defer tp.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := tp.ReadResponse(220)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if msg == "" {
		t.Errorf("expected a non-empty greeting")
	}

	tp.PrintfLine("QUIT")
	if _, _, err := tp.ReadResponse(221); err != nil {
		t.Fatalf("ReadResponse(QUIT): %v", err)
	}

	l.Close()
	if err := <-done; err == nil {
		t.Errorf("Serve returned nil error after listener close, want a non-nil error")
	}

	// Give the handling goroutine a moment to unregister after QUIT closes
	// the connection.
	ok := testlib.WaitFor(func() bool {
		for _, w := range r.workers {
			w.mu.Lock()
			n := len(w.conns)
			w.mu.Unlock()
			if n != 0 {
				return false
			}
		}
		return true
	}, time.Second)
	if !ok {
		t.Errorf("connection still registered in a worker after QUIT")
	}
}

func TestNextWorkerRoundRobins(t *testing.T) {
	db := storage.NewFakeAdapter()
	r := New("mx.test", 1<<20, 10, 3, db)

	var seen []int
	for i := 0; i < 6; i++ {
		seen = append(seen, r.nextWorker().id)
	}
	want := []int{0, 1, 2, 0, 1, 2}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("worker sequence = %v, want %v", seen, want)
			break
		}
	}
}
