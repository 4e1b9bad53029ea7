package rpc

import (
	"context"

	"github.com/marzneshin/marznode/backend"
	"github.com/marzneshin/marznode/model"
)

// fakeRPCBackend is a minimal backend.VPNBackend for exercising the gRPC
// dispatch layer without a real child process.
type fakeRPCBackend struct {
	name string
	tags map[string]bool
}

func (f *fakeRPCBackend) Name() string { return f.name }
func (f *fakeRPCBackend) Type() string { return "fake" }
func (f *fakeRPCBackend) Start(ctx context.Context, newConfig []byte) error { return nil }
func (f *fakeRPCBackend) Stop(ctx context.Context) error { return nil }
func (f *fakeRPCBackend) Restart(ctx context.Context, newConfig []byte) error {
	return nil
}
func (f *fakeRPCBackend) AddUser(ctx context.Context, user model.User, inbound model.Inbound) error {
	return nil
}
func (f *fakeRPCBackend) RemoveUser(ctx context.Context, user model.User, inbound model.Inbound) error {
	return nil
}
func (f *fakeRPCBackend) GetUsages(ctx context.Context, reset bool) map[uint64]int64 { return nil }
func (f *fakeRPCBackend) Subscribe(includeBuffer bool) *backend.Subscription { return nil }
func (f *fakeRPCBackend) ListInbounds() []model.Inbound { return nil }
func (f *fakeRPCBackend) GetConfig() (string, error) { return "cfg", nil }
func (f *fakeRPCBackend) ContainsTag(tag string) bool { return f.tags[tag] }
func (f *fakeRPCBackend) Running() bool { return true }
func (f *fakeRPCBackend) Version() string { return "1.0.0" }
func (f *fakeRPCBackend) Pid() int { return 0 }
func (f *fakeRPCBackend) Stopped() <-chan struct{} { return make(chan struct{}) }
