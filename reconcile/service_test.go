package reconcile

import (
	"context"
	"io"
	"testing"

	"github.com/marzneshin/marznode/backend"
	"github.com/marzneshin/marznode/config"
	"github.com/marzneshin/marznode/model"
	"github.com/marzneshin/marznode/storage"
	"github.com/marzneshin/marznode/supervisor"
)

// fakeAdapter is a minimal backend.VPNBackend recording every
// AddUser/RemoveUser call it receives, for asserting routing decisions.
type fakeAdapter struct {
	name string
	tags map[string]bool

	added   []string // "tag:identifier"
	removed []string
	usages  map[uint64]int64
}

func newFakeAdapter(name string, tags ...string) *fakeAdapter {
	tagSet := make(map[string]bool, len(tags))
	for _, t := range tags {
		tagSet[t] = true
	}
	return &fakeAdapter{name: name, tags: tagSet}
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) Type() string { return "fake" }
func (f *fakeAdapter) Start(ctx context.Context, newConfig []byte) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error { return nil }
func (f *fakeAdapter) Restart(ctx context.Context, newConfig []byte) error { return nil }

func (f *fakeAdapter) AddUser(ctx context.Context, user model.User, inbound model.Inbound) error {
	f.added = append(f.added, inbound.Tag+":"+user.Identifier())
	return nil
}

func (f *fakeAdapter) RemoveUser(ctx context.Context, user model.User, inbound model.Inbound) error {
	f.removed = append(f.removed, inbound.Tag+":"+user.Identifier())
	return nil
}

func (f *fakeAdapter) GetUsages(ctx context.Context, reset bool) map[uint64]int64 { return f.usages }
func (f *fakeAdapter) Subscribe(includeBuffer bool) *backend.Subscription { return nil }
func (f *fakeAdapter) ListInbounds() []model.Inbound { return nil }
func (f *fakeAdapter) GetConfig() (string, error) { return "raw-config", nil }
func (f *fakeAdapter) ContainsTag(tag string) bool { return f.tags[tag] }
func (f *fakeAdapter) Running() bool { return true }
func (f *fakeAdapter) Version() string { return "1.0.0" }
func (f *fakeAdapter) Pid() int { return 0 }
func (f *fakeAdapter) Stopped() <-chan struct{} { return make(chan struct{}) }

// sliceSource replays a fixed slice of UserData as a UserDataSource.
type sliceSource struct {
	items []UserData
	pos   int
}

func (s *sliceSource) Recv() (UserData, error) {
	if s.pos >= len(s.items) {
		return UserData{}, io.EOF
	}
	ud := s.items[s.pos]
	s.pos++
	return ud, nil
}

func newTestService(t *testing.T) (*Service, storage.Storage, *fakeAdapter) {
	t.Helper()
	store := storage.NewMemory()
	store.RegisterInbound(model.Inbound{Tag: "vless-tcp", Protocol: model.ProtocolVLess})
	store.RegisterInbound(model.Inbound{Tag: "vmess-ws", Protocol: model.ProtocolVMess})

	sup := supervisor.New(store)
	a := newFakeAdapter("a", "vless-tcp", "vmess-ws")
	sup.Add(a, config.EngineConfig{})
	return New(store, sup), store, a
}

func TestSyncUsersAddThenRemove(t *testing.T) {
	svc, store, a := newTestService(t)

	src := &sliceSource{items: []UserData{
		{User: model.User{ID: 7, Username: "alice", Key: "s"}, Inbounds: []string{"vless-tcp"}},
		{User: model.User{ID: 7, Username: "alice", Key: "s"}, Inbounds: []string{}},
	}}
	if err := svc.SyncUsers(context.Background(), src); err != nil {
		t.Fatalf("SyncUsers: %v", err)
	}

	if len(a.added) != 1 || a.added[0] != "vless-tcp:7.alice" {
		t.Fatalf("unexpected adds: %v", a.added)
	}
	if len(a.removed) != 1 || a.removed[0] != "vless-tcp:7.alice" {
		t.Fatalf("unexpected removes: %v", a.removed)
	}
	if _, ok := store.GetUser(7); ok {
		t.Fatalf("expected user to be gone from storage after remove")
	}
}

func TestSyncUsersDiffTouchesOnlyChangedInbounds(t *testing.T) {
	svc, _, a := newTestService(t)

	src := &sliceSource{items: []UserData{
		{User: model.User{ID: 1, Username: "bob", Key: "k"}, Inbounds: []string{"vless-tcp"}},
		{User: model.User{ID: 1, Username: "bob", Key: "k"}, Inbounds: []string{"vmess-ws"}},
	}}
	if err := svc.SyncUsers(context.Background(), src); err != nil {
		t.Fatalf("SyncUsers: %v", err)
	}

	if len(a.added) != 2 || a.added[1] != "vmess-ws:1.bob" {
		t.Fatalf("unexpected adds: %v", a.added)
	}
	if len(a.removed) != 1 || a.removed[0] != "vless-tcp:1.bob" {
		t.Fatalf("unexpected removes: %v", a.removed)
	}
}

func TestSyncUsersNoOpForUnknownUserWithNoInbounds(t *testing.T) {
	svc, _, a := newTestService(t)

	src := &sliceSource{items: []UserData{
		{User: model.User{ID: 99, Username: "ghost", Key: "k"}, Inbounds: nil},
	}}
	if err := svc.SyncUsers(context.Background(), src); err != nil {
		t.Fatalf("SyncUsers: %v", err)
	}
	if len(a.added) != 0 || len(a.removed) != 0 {
		t.Fatalf("expected no adapter calls for a no-op, got added=%v removed=%v", a.added, a.removed)
	}
}

func TestRepopulateUsersPrunesAbsentIDs(t *testing.T) {
	svc, store, a := newTestService(t)

	seed := &sliceSource{items: []UserData{
		{User: model.User{ID: 1, Username: "one", Key: "k"}, Inbounds: []string{"vless-tcp"}},
		{User: model.User{ID: 2, Username: "two", Key: "k"}, Inbounds: []string{"vless-tcp"}},
		{User: model.User{ID: 3, Username: "three", Key: "k"}, Inbounds: []string{"vless-tcp"}},
	}}
	if err := svc.SyncUsers(context.Background(), seed); err != nil {
		t.Fatalf("seed SyncUsers: %v", err)
	}

	batch := []UserData{
		{User: model.User{ID: 1, Username: "one", Key: "k"}, Inbounds: []string{"vless-tcp"}},
		{User: model.User{ID: 4, Username: "four", Key: "k"}, Inbounds: []string{"vmess-ws"}},
	}
	if err := svc.RepopulateUsers(context.Background(), batch); err != nil {
		t.Fatalf("RepopulateUsers: %v", err)
	}

	if _, ok := store.GetUser(1); !ok {
		t.Fatalf("expected user 1 to remain")
	}
	if _, ok := store.GetUser(2); ok {
		t.Fatalf("expected user 2 to be pruned")
	}
	if _, ok := store.GetUser(3); ok {
		t.Fatalf("expected user 3 to be pruned")
	}
	if _, ok := store.GetUser(4); !ok {
		t.Fatalf("expected user 4 to be added")
	}

	found := false
	for _, id := range a.added {
		if id == "vmess-ws:4.four" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected user 4 to be added to vmess-ws, got %v", a.added)
	}
}

func TestFetchUsersStatsEmptyWithNoBackends(t *testing.T) {
	store := storage.NewMemory()
	sup := supervisor.New(store)
	svc := New(store, sup)

	if usage := svc.FetchUsersStats(context.Background()); len(usage) != 0 {
		t.Fatalf("expected empty stats with no backends, got %v", usage)
	}
}

func TestFetchUsersStatsSumsPerUserAcrossBackends(t *testing.T) {
	store := storage.NewMemory()
	sup := supervisor.New(store)

	x := newFakeAdapter("x", "vless-tcp")
	x.usages = map[uint64]int64{7: 100}
	sb := newFakeAdapter("sb", "vmess-ws")
	sb.usages = map[uint64]int64{7: 50, 8: 30}
	sup.Add(x, config.EngineConfig{})
	sup.Add(sb, config.EngineConfig{})

	usage := New(store, sup).FetchUsersStats(context.Background())
	if len(usage) != 2 || usage[7] != 150 || usage[8] != 30 {
		t.Fatalf("unexpected aggregation: %v", usage)
	}
}

func TestFetchBackendConfigUnknownBackend(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.FetchBackendConfig("missing"); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestFetchBackendConfigKnownBackend(t *testing.T) {
	svc, _, _ := newTestService(t)
	cfg, err := svc.FetchBackendConfig("a")
	if err != nil {
		t.Fatalf("FetchBackendConfig: %v", err)
	}
	if cfg != "raw-config" {
		t.Fatalf("unexpected config: %q", cfg)
	}
}

func TestGetBackendStatsUnknownBackend(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.GetBackendStats("missing"); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
