// Package reconcile implements the seven-RPC reconciliation surface: it
// accepts the controller's user-sync stream, routes add/remove decisions
// to the correct engine adapter by inbound tag, aggregates usage across
// engines, and relays per-engine logs and config.
package reconcile

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/marzneshin/marznode/backend"
	"github.com/marzneshin/marznode/common"
	"github.com/marzneshin/marznode/logger"
	"github.com/marzneshin/marznode/model"
	"github.com/marzneshin/marznode/storage"
	"github.com/marzneshin/marznode/supervisor"
)

// UserData is the domain form of the controller's per-user sync entry:
// the user's identity plus the set of inbound tags it should now be a
// member of.
type UserData struct {
	User     model.User
	Inbounds []string
}

// UserDataSource is anything SyncUsers can pull a client-streamed batch
// of UserData from; io.EOF ends the stream. The grpc-facing rpc package
// adapts its ServerStream to this shape.
type UserDataSource interface {
	Recv() (UserData, error)
}

// Service implements the reconciliation RPCs over a shared storage
// handle and the supervisor that owns every engine adapter.
type Service struct {
	store storage.Storage
	sup   *supervisor.Supervisor

	usageTimeout time.Duration
}

// New constructs a Service. Usage collection is bounded by a 3-second
// deadline; on timeout each engine contributes an empty partial rather
// than failing the RPC.
func New(store storage.Storage, sup *supervisor.Supervisor) *Service {
	return &Service{store: store, sup: sup, usageTimeout: 3 * time.Second}
}

// SyncUsers applies each incoming UserData in arrival order, following
// the add/remove/no-op/diff decision table in applyUserData.
func (s *Service) SyncUsers(ctx context.Context, src UserDataSource) error {
	for {
		ud, err := src.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.applyUserData(ctx, ud); err != nil {
			return err
		}
	}
}

// RepopulateUsers applies SyncUsers semantics for every entry in batch,
// then removes every storage user absent from the batch.
func (s *Service) RepopulateUsers(ctx context.Context, batch []UserData) error {
	seen := make(map[uint64]struct{}, len(batch))
	for _, ud := range batch {
		seen[ud.User.ID] = struct{}{}
		if err := s.applyUserData(ctx, ud); err != nil {
			return err
		}
	}

	for _, u := range s.store.ListUsers() {
		if _, ok := seen[u.ID]; ok {
			continue
		}
		if err := s.removeStorageUser(ctx, u); err != nil {
			return err
		}
	}
	return nil
}

// applyUserData implements the add/remove/no-op/diff decision table.
func (s *Service) applyUserData(ctx context.Context, ud UserData) error {
	storageUser, exists := s.store.GetUser(ud.User.ID)

	switch {
	case !exists && len(ud.Inbounds) == 0:
		return nil // no-op
	case !exists:
		return s.addUser(ctx, ud)
	case len(ud.Inbounds) == 0:
		return s.removeStorageUser(ctx, storageUser)
	default:
		return s.diffUser(ctx, storageUser, ud)
	}
}

func (s *Service) addUser(ctx context.Context, ud UserData) error {
	user := model.User{ID: ud.User.ID, Username: ud.User.Username, Key: ud.User.Key}
	inbounds := s.store.ListInbounds(ud.Inbounds...)

	for _, ib := range inbounds {
		adapter, ok := s.sup.ResolveTag(ib.Tag)
		if !ok {
			return common.Newf(common.KindUnknownTag, nil, "no adapter claims tag %q", ib.Tag)
		}
		if err := adapter.AddUser(ctx, user, ib); err != nil {
			return err
		}
	}

	s.store.UpdateUserInbounds(user, inbounds)
	return nil
}

func (s *Service) removeStorageUser(ctx context.Context, user model.User) error {
	for tag, ib := range user.Inbounds {
		adapter, ok := s.sup.ResolveTag(tag)
		if !ok {
			logger.Warningf("removing user %s: no adapter claims tag %q, dropping edge", user.Identifier(), tag)
			continue
		}
		if err := adapter.RemoveUser(ctx, user, ib); err != nil {
			return err
		}
	}
	s.store.RemoveUser(user.ID)
	return nil
}

func (s *Service) diffUser(ctx context.Context, storageUser model.User, ud UserData) error {
	oldTags := storageUser.InboundTags()
	newTags := make(map[string]struct{}, len(ud.Inbounds))
	for _, t := range ud.Inbounds {
		newTags[t] = struct{}{}
	}

	for tag := range oldTags {
		if _, keep := newTags[tag]; keep {
			continue
		}
		ib, ok := storageUser.Inbounds[tag]
		if !ok {
			continue
		}
		adapter, ok := s.sup.ResolveTag(tag)
		if !ok {
			logger.Warningf("diffing user %s: no adapter claims tag %q, dropping edge", storageUser.Identifier(), tag)
			continue
		}
		if err := adapter.RemoveUser(ctx, storageUser, ib); err != nil {
			return err
		}
	}

	newInbounds := s.store.ListInbounds(ud.Inbounds...)
	user := model.User{ID: storageUser.ID, Username: ud.User.Username, Key: ud.User.Key}

	for _, ib := range newInbounds {
		if _, already := oldTags[ib.Tag]; already {
			continue
		}
		adapter, ok := s.sup.ResolveTag(ib.Tag)
		if !ok {
			return common.Newf(common.KindUnknownTag, nil, "no adapter claims tag %q", ib.Tag)
		}
		if err := adapter.AddUser(ctx, user, ib); err != nil {
			return err
		}
	}

	s.store.UpdateUserInbounds(user, newInbounds)
	return nil
}

// FetchBackends lists the BackendDescriptor of every configured engine.
func (s *Service) FetchBackends(ctx context.Context) []model.BackendDescriptor {
	return s.sup.Describe()
}

// FetchUsersStats concurrently calls GetUsages on every engine and sums
// the result per user id, bounded by s.usageTimeout.
func (s *Service) FetchUsersStats(ctx context.Context) map[uint64]int64 {
	ctx, cancel := context.WithTimeout(ctx, s.usageTimeout)
	defer cancel()

	backends := s.sup.Backends()
	partials := make([]map[uint64]int64, len(backends))

	var wg sync.WaitGroup
	for i, b := range backends {
		wg.Add(1)
		go func(i int, b backend.VPNBackend) {
			defer wg.Done()
			partials[i] = b.GetUsages(ctx, true)
		}(i, b)
	}
	wg.Wait()

	out := make(map[uint64]int64)
	for _, m := range partials {
		for uid, usage := range m {
			out[uid] += usage
		}
	}
	return out
}

// StreamBackendLogs subscribes to backendName's log broadcast and calls
// send for every line, replaying the ring buffer first when includeBuffer
// is set. It returns when send errors, ctx is cancelled, or the engine
// stops.
func (s *Service) StreamBackendLogs(ctx context.Context, backendName string, includeBuffer bool, send func(line string) error) error {
	adapter, ok := s.sup.Find(backendName)
	if !ok {
		return common.New(common.KindUnknownBackend, "unknown backend: "+backendName, nil)
	}

	sub := adapter.Subscribe(includeBuffer)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-sub.Lines():
			if !ok {
				return nil
			}
			if err := send(line); err != nil {
				return err
			}
		}
	}
}

// FetchBackendConfig returns backendName's current on-disk config source.
func (s *Service) FetchBackendConfig(backendName string) (string, error) {
	adapter, ok := s.sup.Find(backendName)
	if !ok {
		return "", common.New(common.KindUnknownBackend, "unknown backend: "+backendName, nil)
	}
	return adapter.GetConfig()
}

// RestartBackend restarts backendName, persisting newConfig (if
// non-empty) to its on-disk config path verbatim before the engine
// comes back up. The adapter's own Restart implementation performs the
// persist-then-stop-then-start sequence.
func (s *Service) RestartBackend(ctx context.Context, backendName string, newConfig []byte) error {
	if _, ok := s.sup.Find(backendName); !ok {
		return common.New(common.KindUnknownBackend, "unknown backend: "+backendName, nil)
	}
	return s.sup.Restart(ctx, backendName, newConfig)
}

// GetBackendStats reports whether backendName's child process is
// currently running.
func (s *Service) GetBackendStats(backendName string) (running bool, err error) {
	adapter, ok := s.sup.Find(backendName)
	if !ok {
		return false, common.New(common.KindUnknownBackend, "unknown backend: "+backendName, nil)
	}
	return adapter.Running(), nil
}
