package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/marzneshin/marznode/backend"
	"github.com/marzneshin/marznode/config"
	"github.com/marzneshin/marznode/model"
)

// fakeBackend is a minimal in-memory backend.VPNBackend for exercising
// the supervisor's watch/restart logic without a real child process.
type fakeBackend struct {
	name string

	mu          sync.Mutex
	running     bool
	startCalls  int
	restartCall int
	stoppedCh   chan struct{}
	tags        map[string]bool
}

func newFakeBackend(name string, tags ...string) *fakeBackend {
	tagSet := make(map[string]bool, len(tags))
	for _, t := range tags {
		tagSet[t] = true
	}
	return &fakeBackend{name: name, stoppedCh: make(chan struct{}), tags: tagSet}
}

func (f *fakeBackend) Name() string { return f.name }
func (f *fakeBackend) Type() string { return "fake" }

func (f *fakeBackend) Start(ctx context.Context, newConfig []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	f.running = true
	f.stoppedCh = make(chan struct{})
	return nil
}

func (f *fakeBackend) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		f.running = false
		close(f.stoppedCh)
	}
	return nil
}

func (f *fakeBackend) Restart(ctx context.Context, newConfig []byte) error {
	f.mu.Lock()
	f.restartCall++
	f.mu.Unlock()
	_ = f.Stop(ctx)
	return f.Start(ctx, newConfig)
}

func (f *fakeBackend) AddUser(ctx context.Context, user model.User, inbound model.Inbound) error {
	return nil
}
func (f *fakeBackend) RemoveUser(ctx context.Context, user model.User, inbound model.Inbound) error {
	return nil
}
func (f *fakeBackend) GetUsages(ctx context.Context, reset bool) map[uint64]int64 { return nil }
func (f *fakeBackend) Subscribe(includeBuffer bool) *backend.Subscription { return nil }
func (f *fakeBackend) ListInbounds() []model.Inbound { return nil }
func (f *fakeBackend) GetConfig() (string, error) { return "", nil }

func (f *fakeBackend) ContainsTag(tag string) bool {
	return f.tags[tag]
}

func (f *fakeBackend) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}
func (f *fakeBackend) Version() string { return "1.0.0" }
func (f *fakeBackend) Pid() int { return 0 }

func (f *fakeBackend) Stopped() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stoppedCh
}

// crash force-stops the fake backend without going through Stop, as a
// real child process dying unexpectedly would.
func (f *fakeBackend) crash() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		f.running = false
		close(f.stoppedCh)
	}
}

func TestStartAllStartsEveryBackend(t *testing.T) {
	s := New(nil)
	a := newFakeBackend("a")
	b := newFakeBackend("b")
	s.Add(a, config.EngineConfig{})
	s.Add(b, config.EngineConfig{})

	if err := s.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if !a.Running() || !b.Running() {
		t.Fatalf("expected both backends running")
	}
	s.StopAll(context.Background())
}

func TestResolveTagScansInsertionOrder(t *testing.T) {
	s := New(nil)
	a := newFakeBackend("a", "tag-a")
	b := newFakeBackend("b", "tag-b")
	s.Add(a, config.EngineConfig{})
	s.Add(b, config.EngineConfig{})

	found, ok := s.ResolveTag("tag-b")
	if !ok || found.Name() != "b" {
		t.Fatalf("expected to resolve tag-b to backend b, got %v, %v", found, ok)
	}

	if _, ok := s.ResolveTag("unknown"); ok {
		t.Fatalf("expected no match for unknown tag")
	}
}

func TestRequestedRestartDoesNotTriggerCrashRecovery(t *testing.T) {
	s := New(nil)
	a := newFakeBackend("a")
	s.Add(a, config.EngineConfig{RestartOnFailure: true, RestartInterval: 0})

	if err := s.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	defer s.StopAll(context.Background())

	if err := s.Restart(context.Background(), "a", nil); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	time.Sleep(150 * time.Millisecond)

	a.mu.Lock()
	restarts := a.restartCall
	a.mu.Unlock()
	if restarts != 1 {
		t.Fatalf("expected exactly one restart from the requested call, got %d", restarts)
	}
}

func TestCrashTriggersRestartOnFailure(t *testing.T) {
	s := New(nil)
	a := newFakeBackend("a")
	s.Add(a, config.EngineConfig{RestartOnFailure: true, RestartInterval: 0})

	if err := s.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	defer s.StopAll(context.Background())

	a.crash()

	deadline := time.After(2 * time.Second)
	for {
		if a.Running() {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("backend was not restarted after crash")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestUnknownBackendRestartFails(t *testing.T) {
	s := New(nil)
	if err := s.Restart(context.Background(), "missing", nil); err == nil {
		t.Fatalf("expected error restarting an unregistered backend")
	}
}
