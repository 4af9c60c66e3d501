// Package capture tees a response body into memory while the consumer reads
// it, so a copy can be cached without delaying or buffering the response.
package capture

import (
	"bytes"
	"io"
	"sync"
)

// Body is an io.ReadCloser that records what passes through it.
type Body struct {
	rc    io.ReadCloser
	limit int64

	mu         sync.Mutex
	buf        bytes.Buffer
	total      int64
	over       bool
	finished   bool
	onComplete func([]byte)
	onOversize func(int64)
}

// Wrap returns a Body reading from rc. When the consumer reaches EOF,
// onComplete receives a copy of the payload if it was at most limit bytes;
// otherwise onOversize (if non-nil) receives the total size. A body closed
// before EOF triggers neither.
func Wrap(rc io.ReadCloser, limit int64, onComplete func([]byte), onOversize func(int64)) *Body {
	return &Body{rc: rc, limit: limit, onComplete: onComplete, onOversize: onOversize}
}

func (b *Body) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)

	b.mu.Lock()
	if n > 0 {
		b.total += int64(n)
		if !b.over {
			if int64(b.buf.Len()+n) > b.limit {
				b.over = true
				b.buf = bytes.Buffer{}
			} else {
				b.buf.Write(p[:n])
			}
		}
	}
	var complete func()
	if err == io.EOF && !b.finished {
		b.finished = true
		complete = b.finishLocked()
	}
	b.mu.Unlock()

	if complete != nil {
		complete()
	}
	return n, err
}

func (b *Body) finishLocked() func() {
	if b.over {
		if b.onOversize == nil {
			return nil
		}
		total := b.total
		return func() { b.onOversize(total) }
	}
	payload := append([]byte(nil), b.buf.Bytes()...)
	b.buf = bytes.Buffer{}
	return func() { b.onComplete(payload) }
}

// Close closes the underlying body. A capture that has not reached EOF is
// dropped.
func (b *Body) Close() error {
	b.mu.Lock()
	b.finished = true
	b.buf = bytes.Buffer{}
	b.mu.Unlock()
	return b.rc.Close()
}

// Writes tracks asynchronous cache writes. Go and Wait may be called
// concurrently; a Go issued while Wait is blocked starts once Wait returns.
type Writes struct {
	mu sync.Mutex
	wg sync.WaitGroup
}

// Go runs f in a new goroutine.
func (w *Writes) Go(f func()) {
	w.mu.Lock()
	w.wg.Go(f)
	w.mu.Unlock()
}

// Wait blocks until every function started by Go has returned.
func (w *Writes) Wait() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.wg.Wait()
}
