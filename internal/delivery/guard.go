package delivery

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DeliveryTimeout is the wall-clock budget for streaming one response body.
const DeliveryTimeout = 10 * time.Second

// ErrDeliveryTimeout is returned by a GuardedBody read after the timeout fired.
var ErrDeliveryTimeout = errors.New("delivery: timeout reached")

// GuardedBody wraps a response body so that it is closed exactly once: on
// EOF, on a read error, on Close, when the delivery timeout expires, or when
// the request context is cancelled. Closing the body is what releases the
// source object and stops a running transcode.
type GuardedBody struct {
	body io.ReadCloser
	log  *zerolog.Logger

	mu       sync.Mutex
	released bool
	cause    error
	timer    *time.Timer
	stopCtx  func() bool
	done     chan struct{}

	read atomic.Int64
}

// Guard starts the delivery clock for body. A timeout of zero or less
// selects DeliveryTimeout.
func Guard(ctx context.Context, body io.ReadCloser, timeout time.Duration) *GuardedBody {
	if timeout <= 0 {
		timeout = DeliveryTimeout
	}
	g := &GuardedBody{
		body: body,
		log:  zerolog.Ctx(ctx),
		done: make(chan struct{}),
	}

	// Held until both callbacks are registered; release waits on it.
	g.mu.Lock()
	defer g.mu.Unlock()
	g.timer = time.AfterFunc(timeout, func() {
		g.log.Warn().Dur("timeout", timeout).Int64("bytes", g.read.Load()).Msg("Delivery timeout reached, closing stream")
		g.release(ErrDeliveryTimeout)
	})
	g.stopCtx = context.AfterFunc(ctx, func() {
		g.release(context.Cause(ctx))
	})
	return g
}

func (g *GuardedBody) Read(p []byte) (int, error) {
	if err := g.err(); err != nil {
		return 0, err
	}
	n, err := g.body.Read(p)
	g.read.Add(int64(n))
	if err == nil {
		return n, nil
	}
	if cause := g.err(); cause != nil {
		err = cause
	}
	g.release(nil)
	return n, err
}

// Close releases the body. It is safe to call more than once.
func (g *GuardedBody) Close() error {
	g.release(nil)
	return nil
}

// Done is closed once the body has been released.
func (g *GuardedBody) Done() <-chan struct{} {
	return g.done
}

// BytesRead reports how many body bytes have been read so far.
func (g *GuardedBody) BytesRead() int64 {
	return g.read.Load()
}

// TimedOut reports whether the body was released by the delivery timeout.
func (g *GuardedBody) TimedOut() bool {
	return errors.Is(g.err(), ErrDeliveryTimeout)
}

func (g *GuardedBody) err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cause
}

func (g *GuardedBody) release(cause error) {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return
	}
	g.released = true
	g.cause = cause
	g.timer.Stop()
	g.stopCtx()
	g.mu.Unlock()

	if err := g.body.Close(); err != nil {
		g.log.Debug().Err(err).Msg("Closing response body")
	}
	close(g.done)
}

// Copy streams body to w, flushing after every chunk so image bytes reach
// the client as they are produced. It returns the number of bytes written.
// A failure after the first write cannot change the status already sent;
// the caller can only stop writing.
func Copy(w http.ResponseWriter, body io.Reader) (int64, error) {
	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			m, err := w.Write(buf[:n])
			written += int64(m)
			if err != nil {
				return written, err
			}
			_ = rc.Flush()
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return written, nil
			}
			return written, readErr
		}
	}
}
