package backend

import (
	"strings"
	"testing"
	"time"
)

func TestRingBufferWrapsAtCapacity(t *testing.T) {
	r := newRingBuffer(3)
	r.push("a")
	r.push("b")
	r.push("c")
	r.push("d") // evicts "a"

	got := r.snapshot()
	want := []string{"b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestLogPumpBroadcastsToSubscribers(t *testing.T) {
	p := newLogPump(100)
	r := strings.NewReader("line1\nline2\nline3\n")

	sub := p.subscribe(false)
	done := make(chan struct{})
	go func() {
		p.pump(r, "stdout")
		p.latchStopped()
		close(done)
	}()

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case line := <-sub.Lines():
			got = append(got, line)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for line %d", i)
		}
	}
	<-done

	want := []string{"line1", "line2", "line3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestLogReplayBufferThenLiveNoDuplication(t *testing.T) {
	p := newLogPump(100)

	for i := 0; i < 150; i++ {
		p.ring.push(lineN(i))
		p.broadcast(lineN(i))
	}

	sub := p.subscribe(true)

	var got []string
	timeout := time.After(2 * time.Second)
collect:
	for len(got) < 100 {
		select {
		case line, ok := <-sub.Lines():
			if !ok {
				break collect
			}
			got = append(got, line)
		case <-timeout:
			break collect
		}
	}

	if len(got) != 100 {
		t.Fatalf("expected ring buffer tail of 100 lines, got %d", len(got))
	}
	// The buffer holds the most recent 100 lines: 50..149.
	if got[0] != lineN(50) || got[len(got)-1] != lineN(149) {
		t.Fatalf("unexpected replay window: first=%s last=%s", got[0], got[len(got)-1])
	}

	// Now a live line arrives; it must not duplicate anything already replayed.
	p.broadcast(lineN(150))
	select {
	case line := <-sub.Lines():
		if line != lineN(150) {
			t.Fatalf("expected live line150, got %s", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for live line")
	}
}

func TestSlowSubscriberIsDroppedWithoutBlockingPump(t *testing.T) {
	p := newLogPump(10)
	sub := p.subscribe(false)

	// Fill the subscriber's buffer (256) plus overflow without reading.
	for i := 0; i < 1000; i++ {
		p.broadcast(lineN(i))
	}

	// Pump must not have blocked; subscriber should have been evicted.
	select {
	case _, ok := <-sub.Lines():
		if ok {
			// fine, there may be buffered lines still draining
		}
	default:
	}
}

func lineN(n int) string {
	digits := [10]byte{}
	i := len(digits)
	if n == 0 {
		return "line0"
	}
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return "line" + string(digits[i:])
}
