package capture

import (
	"io"
	"sync"
)

// BodyBuffer retains a bounded prefix of a streamed body. Writes past the
// cap are accepted and discarded, so the proxied stream is never slowed or
// fully buffered by capture.
type BodyBuffer struct {
	buf []byte
	max int
	mu  sync.Mutex
}

// NewBodyBuffer creates a buffer retaining at most max bytes. Zero or
// negative means unlimited.
func NewBodyBuffer(max int) *BodyBuffer {
	return &BodyBuffer{max: max}
}

func (b *BodyBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := len(p)
	if b.max > 0 {
		if len(b.buf) >= b.max {
			return len(p), nil
		}
		if len(b.buf)+room > b.max {
			room = b.max - len(b.buf)
		}
	}
	b.buf = append(b.buf, p[:room]...)
	return len(p), nil
}

// Bytes returns the retained prefix. Safe on a nil buffer.
func (b *BodyBuffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf
}

// TeeBody wraps body so the exchange streams through untouched while up to
// MaxBodyBytes are retained for capture. A nil body yields a nil reader and
// an empty buffer.
func (h *Hook) TeeBody(body io.ReadCloser) (io.ReadCloser, *BodyBuffer) {
	buf := NewBodyBuffer(h.cfg.MaxBodyBytes)
	if body == nil {
		return nil, buf
	}
	return &teeReadCloser{r: io.TeeReader(body, buf), c: body}, buf
}

type teeReadCloser struct {
	r io.Reader
	c io.Closer
}

func (t *teeReadCloser) Read(p []byte) (int, error) { return t.r.Read(p) }
func (t *teeReadCloser) Close() error               { return t.c.Close() }

// OnBodyDone invokes done exactly once when the body reaches EOF, fails,
// or is closed. It lets the caller defer recording an exchange until the
// response has actually streamed to the client.
func OnBodyDone(body io.ReadCloser, done func()) io.ReadCloser {
	return &notifyReadCloser{body: body, done: done}
}

type notifyReadCloser struct {
	body io.ReadCloser
	done func()
	once sync.Once
}

func (n *notifyReadCloser) Read(p []byte) (int, error) {
	m, err := n.body.Read(p)
	if err != nil {
		n.once.Do(n.done)
	}
	return m, err
}

func (n *notifyReadCloser) Close() error {
	err := n.body.Close()
	n.once.Do(n.done)
	return err
}
