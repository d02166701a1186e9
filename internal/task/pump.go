package task

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"
)

// DefaultIdle is how long output accumulates before a line boundary flushes it.
const DefaultIdle = 5 * time.Second

const readSize = 4096

// Pump moves output of a running remote operation into discrete messages.
// Output is flushed on a line boundary once Idle has passed since the last
// flush (or the buffer exceeds MaxBuffer), and once more when the stream ends
// or the context is cancelled. Emit never receives an empty string.
type Pump struct {
	Idle      time.Duration
	MaxBuffer int           // 0 disables the size trigger
	TickEvery time.Duration // 0 disables flushing while the stream is silent
	Clock     func() time.Time
	Emit      func(string)
}

// Run reads r until EOF, a read error, or ctx cancellation. The read itself
// happens on a helper goroutine so cancellation is observed even while the
// underlying stream is blocked; the caller is expected to close the stream
// after Run returns to release that goroutine.
func (p *Pump) Run(ctx context.Context, r io.Reader) error {
	acc := &accumulator{
		idle: p.Idle,
		max:  p.MaxBuffer,
		emit: p.Emit,
	}
	if acc.idle <= 0 {
		acc.idle = DefaultIdle
	}
	acc.last = p.now()

	chunks := make(chan []byte)
	readErr := make(chan error, 1)
	quit := make(chan struct{})
	defer close(quit)

	go func() {
		buf := make([]byte, readSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				b := make([]byte, n)
				copy(b, buf[:n])
				select {
				case chunks <- b:
				case <-quit:
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	var tick <-chan time.Time
	if p.TickEvery > 0 {
		ticker := time.NewTicker(p.TickEvery)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			acc.flush()
			return ctx.Err()
		case b := <-chunks:
			acc.write(b, p.now)
		case err := <-readErr:
			acc.flush()
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case <-tick:
			acc.flushLines(p.now())
		}
	}
}

func (p *Pump) now() time.Time {
	if p.Clock != nil {
		return p.Clock()
	}
	return time.Now()
}

type accumulator struct {
	buf  bytes.Buffer
	last time.Time
	idle time.Duration
	max  int
	emit func(string)
}

func (a *accumulator) write(b []byte, now func() time.Time) {
	for _, c := range b {
		a.buf.WriteByte(c)
		if c != '\n' {
			continue
		}
		t := now()
		if t.Sub(a.last) >= a.idle || (a.max > 0 && a.buf.Len() >= a.max) {
			a.flush()
			a.last = t
		}
	}
}

// flushLines emits every complete line once idle has elapsed, keeping any
// trailing partial line.
func (a *accumulator) flushLines(now time.Time) {
	if now.Sub(a.last) < a.idle {
		return
	}
	data := a.buf.Bytes()
	i := bytes.LastIndexByte(data, '\n')
	if i < 0 {
		return
	}
	out := string(data[:i+1])
	rest := append([]byte(nil), data[i+1:]...)
	a.buf.Reset()
	a.buf.Write(rest)
	a.emit(out)
	a.last = now
}

func (a *accumulator) flush() {
	if a.buf.Len() == 0 {
		return
	}
	out := a.buf.String()
	a.buf.Reset()
	a.emit(out)
}
