package sshmux

import (
	"io"
	"sync"
)

// buffer is an unbounded inbound byte queue. Unbounded is safe here: the
// peer can never enqueue more than the flow-control window we granted, and
// grants are only replenished as the application drains the buffer.
type buffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	segs [][]byte
	off  int

	eof bool
	err error
}

func newBuffer() *buffer {
	b := &buffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// write enqueues data. The caller must not reuse the slice.
func (b *buffer) write(data []byte) {
	b.mu.Lock()
	b.segs = append(b.segs, data)
	b.cond.Broadcast()
	b.mu.Unlock()
}

// markEOF lets readers drain what is queued and then observe io.EOF.
func (b *buffer) markEOF() {
	b.mu.Lock()
	b.eof = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// fail makes readers observe err once the queue is drained. io.EOF wins if
// already marked.
func (b *buffer) fail(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Read blocks until data, EOF, or failure.
func (b *buffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.segs) == 0 {
		if b.eof {
			return 0, io.EOF
		}
		if b.err != nil {
			return 0, b.err
		}
		b.cond.Wait()
	}
	n := copy(p, b.segs[0][b.off:])
	b.off += n
	if b.off == len(b.segs[0]) {
		b.segs = b.segs[1:]
		b.off = 0
	}
	return n, nil
}

// buffered returns the number of queued, unread bytes.
func (b *buffer) buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := -b.off
	for _, seg := range b.segs {
		total += len(seg)
	}
	return total
}
