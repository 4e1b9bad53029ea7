package xray

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	statsService "github.com/xtls/xray-core/app/stats/command"

	"github.com/marzneshin/marznode/backend"
	"github.com/marzneshin/marznode/common"
	"github.com/marzneshin/marznode/config"
	"github.com/marzneshin/marznode/keygen"
	"github.com/marzneshin/marznode/logger"
	"github.com/marzneshin/marznode/model"
	"github.com/marzneshin/marznode/storage"
)

// Adapter is the Xray-core implementation of backend.VPNBackend. It owns
// one supervised child process, its admin gRPC connection, and the
// typed config the child was last started with.
type Adapter struct {
	name   string
	engCfg config.EngineConfig
	gen    *keygen.Generator
	store  storage.Storage

	restartMu sync.Mutex

	mu        sync.Mutex
	cfg       *Config
	rawConfig []byte
	adminPort int
	proc      *childProcess
	api       *adminAPI
	pump      *backend.LogPump
	version   string
}

var _ backend.VPNBackend = (*Adapter)(nil)

// NewAdapter constructs an Xray adapter. The child process is not
// started until Start is called.
func NewAdapter(name string, engCfg config.EngineConfig, credAlgo config.CredentialAlgorithm, store storage.Storage) *Adapter {
	return &Adapter{
		name:   name,
		engCfg: engCfg,
		gen:    keygen.NewGenerator(credAlgo),
		store:  store,
	}
}

func (a *Adapter) Name() string { return a.name }
func (a *Adapter) Type() string { return "xray" }

// Start parses newConfig (or reloads the on-disk config when newConfig
// is empty), enriches it with the admin-api plumbing, spawns the child,
// and waits for its admin API to come up before returning.
func (a *Adapter) Start(ctx context.Context, newConfig []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	data := newConfig
	if len(data) == 0 {
		var err error
		data, err = os.ReadFile(a.engCfg.ConfigPath)
		if err != nil {
			return common.New(common.KindConfigInvalid, "failed to read xray config from disk", err)
		}
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return err
	}

	for i := range cfg.Inbounds {
		if len(cfg.Inbounds[i].StreamSettings) == 0 {
			continue
		}
		enriched, err := ensureRealityPublicKey(a.engCfg.BinaryPath, cfg.Inbounds[i].StreamSettings)
		if err != nil {
			return err
		}
		cfg.Inbounds[i].StreamSettings = enriched
	}

	port, err := backend.PickFreePort()
	if err != nil {
		return common.New(common.KindPortBindFailed, "failed to pick xray admin port", err)
	}
	cfg.Enrich(port)

	rendered, err := cfg.Marshal()
	if err != nil {
		return common.New(common.KindConfigInvalid, "failed to render xray config", err)
	}
	if err := os.WriteFile(a.engCfg.ConfigPath+".full", rendered, 0o644); err != nil {
		logger.Warningf("%s: failed to write full config snapshot: %v", a.name, err)
	}

	pump := backend.NewLogPump(0)
	proc := newChildProcess(a.engCfg.BinaryPath)
	if err := proc.start(ctx, rendered, pump); err != nil {
		return err
	}

	api, err := dialAdminAPIWithRetry(port)
	if err != nil {
		_ = proc.stop()
		if last := pump.LastLog(); last != "" {
			return common.Newf(common.KindEngineDown, err, "xray admin api never came up (last log: %s)", last)
		}
		return common.New(common.KindEngineDown, "xray admin api never came up", err)
	}

	a.cfg = cfg
	a.rawConfig = data
	a.adminPort = port
	a.proc = proc
	a.api = api
	a.pump = pump
	a.version = queryVersion(a.engCfg.BinaryPath)

	for _, ib := range a.ownedInboundsLocked() {
		a.store.RegisterInbound(ib)
	}

	go a.watchExit(proc, pump)

	return nil
}

// dialAdminAPIWithRetry tolerates the brief window between the child
// process starting and its gRPC admin listener becoming reachable.
// dialAdminAPIWithRetry retries dialAdminAPI with capped exponential
// backoff: right after spawn the child hasn't bound its admin listener
// yet, and the exact delay before it does varies with system load.
func dialAdminAPIWithRetry(port int) (*adminAPI, error) {
	var api *adminAPI
	op := func() error {
		var err error
		api, err = dialAdminAPI(port)
		if err != nil {
			return err
		}
		// grpc.NewClient connects lazily, so probe with a real call.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, err = api.stats.QueryStats(ctx, &statsService.QueryStatsRequest{}); err != nil {
			_ = api.Close()
			return err
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 4 * time.Second

	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return api, nil
}

func (a *Adapter) watchExit(proc *childProcess, pump *backend.LogPump) {
	_ = proc.wait()
	pump.LatchStopped()
}

// Stop terminates the child process and its admin connection.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	proc := a.proc
	api := a.api
	pump := a.pump
	a.mu.Unlock()

	if api != nil {
		_ = api.Close()
	}
	if proc != nil {
		if err := proc.stop(); err != nil {
			return err
		}
	}
	if pump != nil {
		pump.LatchStopped()
	}
	return nil
}

// Restart persists newConfig (if non-empty), stops the child, purges
// this adapter's inbounds from storage, starts the child again, and
// re-projects the users that were seated on surviving inbound tags.
func (a *Adapter) Restart(ctx context.Context, newConfig []byte) error {
	a.restartMu.Lock()
	defer a.restartMu.Unlock()

	if len(newConfig) > 0 {
		if err := a.persistConfig(newConfig); err != nil {
			return err
		}
	}

	type seat struct {
		user    model.User
		inbound model.Inbound
	}
	var seats []seat
	for _, ib := range a.ListInbounds() {
		for _, u := range a.store.ListInboundUsers(ib.Tag) {
			seats = append(seats, seat{user: u, inbound: ib})
		}
	}
	for _, ib := range a.ListInbounds() {
		a.store.RemoveInbound(ib.Tag)
	}

	if err := a.Stop(ctx); err != nil {
		logger.Warningf("%s: stop during restart reported: %v", a.name, err)
	}

	if err := a.Start(ctx, nil); err != nil {
		return err
	}

	owned := make(map[string]model.Inbound)
	for _, ib := range a.ListInbounds() {
		owned[ib.Tag] = ib
	}
	for _, s := range seats {
		ib, ok := owned[s.inbound.Tag]
		if !ok {
			continue
		}
		if err := a.AddUser(ctx, s.user, ib); err != nil {
			logger.Warningf("%s: failed to re-project user %s onto %s: %v", a.name, s.user.Identifier(), ib.Tag, err)
			continue
		}
		a.store.UpdateUserInbounds(s.user, append(inboundSlice(s.user), ib))
	}

	return nil
}

func (a *Adapter) persistConfig(data []byte) error {
	if err := os.WriteFile(a.engCfg.ConfigPath, data, 0o644); err != nil {
		return common.New(common.KindConfigInvalid, "failed to persist xray config", err)
	}
	return nil
}

// AddUser is a no-op success (logged at warn) when the user is already
// present on inbound, per the reconciliation contract.
func (a *Adapter) AddUser(ctx context.Context, user model.User, inbound model.Inbound) error {
	a.mu.Lock()
	api := a.api
	a.mu.Unlock()
	if api == nil {
		return common.New(common.KindEngineDown, "xray not running", nil)
	}

	acc, err := buildAccount(a.gen, user, inbound)
	if err != nil {
		return err
	}

	err = api.addInboundUser(ctx, inbound.Tag, acc)
	if common.Is(err, common.KindDuplicateUser) {
		logger.Warningf("%s: user %s already present on %s", a.name, user.Identifier(), inbound.Tag)
		return nil
	}
	return err
}

// RemoveUser is a no-op success (logged at warn) when the user is
// already absent from inbound, per the reconciliation contract.
func (a *Adapter) RemoveUser(ctx context.Context, user model.User, inbound model.Inbound) error {
	a.mu.Lock()
	api := a.api
	a.mu.Unlock()
	if api == nil {
		return common.New(common.KindEngineDown, "xray not running", nil)
	}

	err := api.removeInboundUser(ctx, inbound.Tag, user.Identifier())
	if common.Is(err, common.KindUnknownUser) {
		logger.Warningf("%s: user %s already absent from %s", a.name, user.Identifier(), inbound.Tag)
		return nil
	}
	return err
}

// GetUsages aggregates per-user uplink+downlink bytes. A dead or
// unreachable child yields an empty map, never an error.
func (a *Adapter) GetUsages(ctx context.Context, reset bool) map[uint64]int64 {
	a.mu.Lock()
	api := a.api
	a.mu.Unlock()
	if api == nil {
		return map[uint64]int64{}
	}

	out := make(map[uint64]int64)
	for _, ct := range api.getUsages(reset) {
		id, _, ok := model.ParseIdentifier(ct.Identifier)
		if !ok {
			continue
		}
		out[id] += ct.Up + ct.Down
	}
	return out
}

func (a *Adapter) Subscribe(includeBuffer bool) *backend.Subscription {
	a.mu.Lock()
	pump := a.pump
	a.mu.Unlock()
	if pump == nil {
		pump = backend.NewLogPump(0)
	}
	return pump.Subscribe(includeBuffer)
}

func (a *Adapter) ListInbounds() []model.Inbound {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ownedInboundsLocked()
}

// ownedInboundsLocked must be called with a.mu held. It excludes the
// internal admin-api inbound Enrich injects.
func (a *Adapter) ownedInboundsLocked() []model.Inbound {
	if a.cfg == nil {
		return nil
	}
	out := make([]model.Inbound, 0, len(a.cfg.Inbounds))
	for _, ib := range a.cfg.Inbounds {
		if ib.Tag == apiInboundTag {
			continue
		}
		out = append(out, model.Inbound{Tag: ib.Tag, Protocol: model.Protocol(ib.Protocol), Config: ib})
	}
	return out
}

func (a *Adapter) GetConfig() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rawConfig == nil {
		return "", common.New(common.KindConfigInvalid, "xray config not loaded", nil)
	}
	return string(a.rawConfig), nil
}

func (a *Adapter) ContainsTag(tag string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cfg == nil {
		return false
	}
	for _, ib := range a.cfg.Inbounds {
		if ib.Tag == tag {
			return true
		}
	}
	return false
}

func (a *Adapter) Running() bool {
	a.mu.Lock()
	proc := a.proc
	a.mu.Unlock()
	return proc != nil && proc.isRunning()
}

// Pid returns the child process's OS pid, or 0 if not running.
func (a *Adapter) Pid() int {
	a.mu.Lock()
	proc := a.proc
	a.mu.Unlock()
	if proc == nil {
		return 0
	}
	return proc.pid()
}

func (a *Adapter) Version() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.version
}

func (a *Adapter) Stopped() <-chan struct{} {
	a.mu.Lock()
	pump := a.pump
	a.mu.Unlock()
	if pump == nil {
		return make(chan struct{})
	}
	return pump.Stopped()
}

func inboundSlice(u model.User) []model.Inbound {
	out := make([]model.Inbound, 0, len(u.Inbounds))
	for _, ib := range u.Inbounds {
		out = append(out, ib)
	}
	return out
}
