package backend

import (
	"bufio"
	"io"
	"sync"

	"github.com/marzneshin/marznode/logger"
)

// defaultRingCapacity is the default number of lines the ring buffer
// retains for late subscribers and post-mortem inspection.
const defaultRingCapacity = 100

// ringBuffer is a fixed-capacity FIFO of recent log lines. It is never
// cleared; once full, the oldest line is evicted to make room.
type ringBuffer struct {
	mu    sync.Mutex
	lines []string
	cap   int
	next  int
	full  bool
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	return &ringBuffer{lines: make([]string, capacity), cap: capacity}
}

func (r *ringBuffer) push(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % r.cap
	if r.next == 0 {
		r.full = true
	}
}

// snapshot returns the buffered lines in chronological order.
func (r *ringBuffer) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]string, r.next)
		copy(out, r.lines[:r.next])
		return out
	}
	out := make([]string, r.cap)
	copy(out, r.lines[r.next:])
	copy(out[r.cap-r.next:], r.lines[:r.next])
	return out
}

// Subscription is a bounded channel of live log lines fed by the log
// pump. Slow or closed subscribers are removed by the pump without
// blocking it; the ring buffer absorbs all lines regardless.
type Subscription struct {
	lines  chan string
	closed chan struct{}
	once   sync.Once
}

// Lines returns the channel of live lines. It closes when the engine
// stops or the subscriber is evicted for being too slow.
func (s *Subscription) Lines() <-chan string { return s.lines }

// Close releases the subscription early (e.g. the RPC client cancelled).
func (s *Subscription) Close() {
	s.once.Do(func() { close(s.closed) })
}

// logPump owns the ring buffer and the live subscriber list for one
// adapter's child process. It reads stdout/stderr line by line,
// broadcasting each line and appending it to the ring buffer.
type logPump struct {
	ring *ringBuffer

	mu          sync.Mutex
	subscribers map[*Subscription]struct{}

	stopped   chan struct{}
	stopOnce  sync.Once
	lastLine  string
	lastLineM sync.Mutex
}

func newLogPump(ringCapacity int) *logPump {
	return &logPump{
		ring:        newRingBuffer(ringCapacity),
		subscribers: make(map[*Subscription]struct{}),
		stopped:     make(chan struct{}),
	}
}

// pump reads r line by line until EOF, broadcasting and buffering each
// line. label distinguishes stdout/stderr in case the caller wants to
// tag lines; both streams land in the same ring buffer and fan-out.
func (p *logPump) pump(r io.Reader, label string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.ingest(scanner.Text())
	}
}

// ingest records one line: ring buffer, lastLine, and broadcast. Exposed
// to adapters that scan their own stdio (to detect engine-specific
// startup markers) via the exported Push wrapper below.
func (p *logPump) ingest(line string) {
	p.lastLineM.Lock()
	p.lastLine = line
	p.lastLineM.Unlock()
	p.ring.push(line)
	p.broadcast(line)
}

func (p *logPump) broadcast(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for sub := range p.subscribers {
		select {
		case sub.lines <- line:
		default:
			// Slow subscriber: drop it rather than block the pump.
			logger.Debug("log subscriber too slow, dropping")
			delete(p.subscribers, sub)
			close(sub.lines)
		case <-sub.closed:
			delete(p.subscribers, sub)
			close(sub.lines)
		}
	}
}

// subscribe registers a new Subscription. If includeBuffer is true the
// ring-buffer tail is preloaded into the channel before the subscriber
// is registered, all under the pump mutex, so no broadcast can
// interleave with the replay: buffered lines come first, live lines
// after, with no duplication at the boundary.
func (p *logPump) subscribe(includeBuffer bool) *Subscription {
	p.mu.Lock()
	var buffered []string
	if includeBuffer {
		buffered = p.ring.snapshot()
	}
	sub := &Subscription{
		lines:  make(chan string, 256+len(buffered)),
		closed: make(chan struct{}),
	}
	for _, line := range buffered {
		sub.lines <- line
	}
	select {
	case <-p.stopped:
		// Child already exited: deliver the replay, then end the stream.
		close(sub.lines)
		p.mu.Unlock()
		return sub
	default:
	}
	p.subscribers[sub] = struct{}{}
	p.mu.Unlock()

	go func() {
		<-sub.closed
		p.mu.Lock()
		if _, ok := p.subscribers[sub]; ok {
			delete(p.subscribers, sub)
			close(sub.lines)
		}
		p.mu.Unlock()
	}()

	return sub
}

// latchStopped marks the child as exited and closes every live
// subscriber's channel. Safe to call more than once.
func (p *logPump) latchStopped() {
	p.stopOnce.Do(func() {
		close(p.stopped)
		p.mu.Lock()
		defer p.mu.Unlock()
		for sub := range p.subscribers {
			close(sub.lines)
			delete(p.subscribers, sub)
		}
	})
}

func (p *logPump) lastLog() string {
	p.lastLineM.Lock()
	defer p.lastLineM.Unlock()
	return p.lastLine
}
