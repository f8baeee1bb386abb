// Package reactor implements the accept loop and worker pool that feed
// accepted connections into internal/smtpsrv. It is the idiomatic Go
// analogue of the original receiver's epoll-based reactor: a single socket
// accept loop round-robins connections across a fixed pool of workers, each
// of which owns a registry of the connections assigned to it. Where the
// original multiplexes reads across a worker's epoll instance by hand, the
// Go runtime's netpoller does that job, so the accept loop instead spawns
// one goroutine per connection and the assigned worker's registry is used
// purely for bookkeeping.
package reactor

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"blitiri.com.ar/go/log"

	"github.com/tochire/PigeonX/internal/maillog"
	"github.com/tochire/PigeonX/internal/smtpsrv"
	"github.com/tochire/PigeonX/internal/storage"
)

// Reactor owns the listening socket and the worker pool that services it.
type Reactor struct {
	Hostname    string
	MaxDataSize int64
	Backlog     int
	DB          storage.Adapter

	workers []*worker
	next    int
	mu      sync.Mutex
}

// worker owns a registry of the connections assigned to it. Each
// connection's I/O runs on its own goroutine; the registry exists so the
// invariant "a closed connection is absent from the worker map" is
// checkable, and so a future admin/metrics surface has somewhere to look.
type worker struct {
	id    int
	mu    sync.Mutex
	conns map[net.Conn]*smtpsrv.Conn
}

func newWorker(id int) *worker {
	return &worker{id: id, conns: map[net.Conn]*smtpsrv.Conn{}}
}

func (w *worker) register(nc net.Conn, sc *smtpsrv.Conn) {
	w.mu.Lock()
	w.conns[nc] = sc
	w.mu.Unlock()
}

func (w *worker) unregister(nc net.Conn) {
	w.mu.Lock()
	delete(w.conns, nc)
	w.mu.Unlock()
}

// New creates a Reactor with workerCount workers, none of them running
// until Serve is called.
func New(hostname string, maxDataSize int64, backlog, workerCount int, db storage.Adapter) *Reactor {
	r := &Reactor{
		Hostname:    hostname,
		MaxDataSize: maxDataSize,
		Backlog:     backlog,
		DB:          db,
	}
	for i := 0; i < workerCount; i++ {
		r.workers = append(r.workers, newWorker(i))
	}
	return r
}

// Listen opens a TCP listener on addr with SO_REUSEADDR set, the direct
// translation of the original's setsockopt(SO_REUSEADDR) call before bind.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.Listen(ctx, "tcp", addr)
}

// Serve runs the accept loop on l, handing each accepted connection to the
// next worker in round-robin order. It blocks until Accept returns a
// non-temporary error (e.g. the listener was closed).
func (r *Reactor) Serve(l net.Listener) error {
	maillog.Listening(l.Addr().String())
	log.Infof("reactor: listening on %s with %d workers", l.Addr(), len(r.workers))

	for {
		conn, err := l.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				// Mirrors the original's EAGAIN/EWOULDBLOCK retry.
				time.Sleep(2 * time.Millisecond)
				continue
			}
			return fmt.Errorf("reactor: accept: %w", err)
		}

		w := r.nextWorker()
		go r.handle(w, conn)
	}
}

func (r *Reactor) nextWorker() *worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.workers[r.next]
	r.next = (r.next + 1) % len(r.workers)
	return w
}

// handle services one connection on behalf of w: it sends the greeting
// before anything else is awaited (per the original's ordering), then runs
// the SMTP dialog to completion, then deregisters.
func (r *Reactor) handle(w *worker, conn net.Conn) {
	sc := smtpsrv.NewConn(conn, r.Hostname, r.MaxDataSize, r.DB)
	w.register(conn, sc)
	defer w.unregister(conn)

	sc.Handle()
}
