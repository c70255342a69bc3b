// Package serial is the host link: a line-oriented RX queue and a TX
// buffer drained by a writer goroutine, over a tarm/serial port or any
// io.Reader / io.Writer pair.
package serial

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"

	"github.com/cjeanneret/StepGo/internal/debug"
)

// Config holds serial port settings.
type Config struct {
	Device      string
	Baud        int
	ReadTimeout time.Duration
}

// Open opens the serial device described by cfg. A read timeout only
// paces the reader: an idle link keeps reading until the port is closed.
func Open(cfg Config) (io.ReadWriteCloser, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("serial: no device configured")
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Device, err)
	}
	return &idlePort{ReadWriteCloser: port}, nil
}

// idlePort retries the zero-byte io.EOF a tarm/serial port returns when
// its read timeout expires with nothing received.
type idlePort struct {
	io.ReadWriteCloser
	closed atomic.Bool
}

func (p *idlePort) Read(b []byte) (int, error) {
	for {
		n, err := p.ReadWriteCloser.Read(b)
		if n > 0 || err != io.EOF || len(b) == 0 || p.closed.Load() {
			return n, err
		}
	}
}

func (p *idlePort) Close() error {
	p.closed.Store(true)
	return p.ReadWriteCloser.Close()
}

// rxQueueLen is the number of complete input lines held before the reader blocks.
const rxQueueLen = 64

// MaxLineLen bounds an input line. Longer input is cut and the remainder
// dropped up to the next line end.
const MaxLineLen = 255

// Transport buffers traffic between the dispatcher and the host link. The
// dispatcher side (Write, Buffered, ReadLine) never blocks.
type Transport struct {
	r io.Reader
	w io.Writer

	rx   chan string
	ctrl chan string

	mu     sync.Mutex
	tx     []byte
	wake   chan struct{}
	closed bool
}

// New returns a transport reading lines from r and writing to w.
func New(r io.Reader, w io.Writer) *Transport {
	return &Transport{
		r:    r,
		w:    w,
		rx:   make(chan string, rxQueueLen),
		ctrl: make(chan string, rxQueueLen),
		wake: make(chan struct{}, 1),
	}
}

// Write appends p to the TX buffer.
func (t *Transport) Write(p []byte) (int, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	t.tx = append(t.tx, p...)
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return len(p), nil
}

// Buffered returns the number of TX bytes not yet handed to the link.
func (t *Transport) Buffered() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tx)
}

// IsControl reports whether line is a real-time control character:
// feedhold, cycle start, queue flush or reset. These bypass the line queue.
func IsControl(line string) bool {
	switch line {
	case "!", "~", "%", "\x18":
		return true
	}
	return false
}

func isControlByte(c byte) bool {
	switch c {
	case '!', '~', '%', 0x18:
		return true
	}
	return false
}

func (t *Transport) queueFor(line string) chan string {
	if IsControl(line) {
		return t.ctrl
	}
	return t.rx
}

// ReadLine returns the next complete input line, if any.
func (t *Transport) ReadLine() (string, bool) {
	select {
	case line := <-t.rx:
		return line, true
	default:
		return "", false
	}
}

// ReadControl returns the next real-time control character, if any.
func (t *Transport) ReadControl() (string, bool) {
	select {
	case c := <-t.ctrl:
		return c, true
	default:
		return "", false
	}
}

// Inject queues line as if it had arrived on the link. It reports false
// when the queue is full.
func (t *Transport) Inject(line string) bool {
	select {
	case t.queueFor(line) <- line:
		return true
	default:
		return false
	}
}

// Run moves data until ctx is cancelled. Input ending early (EOF) stops
// the reader only; TX keeps draining.
func (t *Transport) Run(ctx context.Context) error {
	readErr := make(chan error, 1)
	if t.r != nil {
		go func() { readErr <- t.readLoop(ctx) }()
	}

	for {
		select {
		case <-ctx.Done():
			t.flush()
			t.mu.Lock()
			t.closed = true
			t.mu.Unlock()
			return nil
		case err := <-readErr:
			t.flush()
			if err != nil {
				return err
			}
			readErr = nil
		case <-t.wake:
			if err := t.flush(); err != nil {
				return err
			}
		}
	}
}

func (t *Transport) flush() error {
	t.mu.Lock()
	out := t.tx
	t.tx = nil
	t.mu.Unlock()
	if len(out) == 0 || t.w == nil {
		return nil
	}
	if _, err := t.w.Write(out); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

// readLoop splits input into lines. Control characters are taken out of
// the stream wherever they appear, without waiting for a line end.
func (t *Transport) readLoop(ctx context.Context) error {
	br := bufio.NewReader(t.r)
	line := make([]byte, 0, MaxLineLen)
	overflow := false
	for {
		c, err := br.ReadByte()
		if err != nil {
			if len(line) > 0 {
				t.deliver(ctx, string(line))
			}
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("serial read: %w", err)
		}

		switch {
		case isControlByte(c):
			if !t.deliver(ctx, string(c)) {
				return nil
			}
		case c == '\n' || c == '\r':
			overflow = false
			if len(line) == 0 {
				continue
			}
			if !t.deliver(ctx, string(line)) {
				return nil
			}
			line = line[:0]
		case overflow:
		default:
			line = append(line, c)
			if len(line) == MaxLineLen {
				debug.Exception("serial", "input line longer than %d bytes cut", MaxLineLen)
				if !t.deliver(ctx, string(line)) {
					return nil
				}
				line = line[:0]
				overflow = true
			}
		}
	}
}

// deliver queues one input item, reporting false once ctx is done.
func (t *Transport) deliver(ctx context.Context, line string) bool {
	debug.Trace("rx: %q", line)
	select {
	case t.queueFor(line) <- line:
		return true
	case <-ctx.Done():
		return false
	}
}
