package hysteria2

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"sync"
	"time"

	"github.com/marzneshin/marznode/backend"
	"github.com/marzneshin/marznode/common"
	"github.com/marzneshin/marznode/config"
	"github.com/marzneshin/marznode/keygen"
	"github.com/marzneshin/marznode/logger"
	"github.com/marzneshin/marznode/model"
	"github.com/marzneshin/marznode/storage"
)

// Adapter is the Hysteria2 implementation of backend.VPNBackend.
// Hysteria2 exposes no live admin RPC: AddUser/RemoveUser mutate the
// in-process auth callback's user table directly, and the engine
// consults that table on every new connection.
type Adapter struct {
	name   string
	engCfg config.EngineConfig
	gen    *keygen.Generator
	store  storage.Storage

	restartMu sync.Mutex

	mu      sync.Mutex
	cfg     *Config
	rawCfg  []byte
	proc    *childProcess
	auth    *authServer
	stats   *statsAPI
	pump    *backend.LogPump
	version string
}

var _ backend.VPNBackend = (*Adapter)(nil)

// NewAdapter constructs a Hysteria2 adapter. The child process is not
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
func (a *Adapter) Type() string { return "hysteria2" }

// Start parses newConfig (or reloads the on-disk config when newConfig
// is empty), wires in the auth callback and traffic-stats listeners,
// spawns the child, and waits for its stats API to come up.
func (a *Adapter) Start(ctx context.Context, newConfig []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	data := newConfig
	if len(data) == 0 {
		var err error
		data, err = os.ReadFile(a.engCfg.ConfigPath)
		if err != nil {
			return common.New(common.KindConfigInvalid, "failed to read hysteria2 config from disk", err)
		}
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return err
	}

	auth := newAuthServer()
	authPort, err := auth.listen()
	if err != nil {
		return common.New(common.KindPortBindFailed, "failed to bind hysteria2 auth callback", err)
	}

	statsPort, err := backend.PickFreePort()
	if err != nil {
		_ = auth.close()
		return common.New(common.KindPortBindFailed, "failed to pick hysteria2 stats port", err)
	}

	secret, err := randomSecret()
	if err != nil {
		_ = auth.close()
		return common.New(common.KindConfigInvalid, "failed to generate hysteria2 traffic secret", err)
	}

	cfg.Enrich(authPort, statsPort, secret)

	rendered, err := cfg.Marshal()
	if err != nil {
		_ = auth.close()
		return common.New(common.KindConfigInvalid, "failed to render hysteria2 config", err)
	}
	if err := os.WriteFile(a.engCfg.ConfigPath+".full", rendered, 0o644); err != nil {
		logger.Warningf("%s: failed to write full config snapshot: %v", a.name, err)
	}
	if err := os.WriteFile(a.engCfg.ConfigPath, rendered, 0o644); err != nil {
		_ = auth.close()
		return common.New(common.KindConfigInvalid, "failed to write hysteria2 config", err)
	}

	pump := backend.NewLogPump(0)
	proc := newChildProcess(a.engCfg.BinaryPath)
	if err := proc.start(ctx, a.engCfg.ConfigPath, pump); err != nil {
		_ = auth.close()
		return err
	}

	stats := newStatsAPI(statsPort, secret)
	if err := pingStatsAPIWithRetry(ctx, stats); err != nil {
		_ = proc.stop()
		_ = auth.close()
		if last := pump.LastLog(); last != "" {
			return common.Newf(common.KindEngineDown, err, "hysteria2 traffic stats api never came up (last log: %s)", last)
		}
		return common.New(common.KindEngineDown, "hysteria2 traffic stats api never came up", err)
	}

	a.cfg = cfg
	a.rawCfg = data
	a.proc = proc
	a.auth = auth
	a.stats = stats
	a.pump = pump
	a.version = queryVersion(a.engCfg.BinaryPath)

	a.store.RegisterInbound(cfg.Inbound())

	go a.watchExit(proc, pump)

	return nil
}

func pingStatsAPIWithRetry(ctx context.Context, stats *statsAPI) error {
	var lastErr error
	for attempt := 0; attempt < 10; attempt++ {
		if err := stats.ping(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(200 * time.Millisecond)
	}
	return lastErr
}

func (a *Adapter) watchExit(proc *childProcess, pump *backend.LogPump) {
	_ = proc.wait()
	pump.LatchStopped()
}

// Stop terminates the child process and closes the auth callback server.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	proc := a.proc
	auth := a.auth
	pump := a.pump
	a.mu.Unlock()

	if auth != nil {
		_ = auth.close()
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

// Restart persists newConfig (if non-empty) and restarts the child.
// Hysteria2 has only one static inbound, so the reprojected seats are
// simply every user the storage layer currently has seated on it.
func (a *Adapter) Restart(ctx context.Context, newConfig []byte) error {
	a.restartMu.Lock()
	defer a.restartMu.Unlock()

	if len(newConfig) > 0 {
		if err := a.persistConfig(newConfig); err != nil {
			return err
		}
	}

	var seats []model.User
	for _, ib := range a.ListInbounds() {
		seats = append(seats, a.store.ListInboundUsers(ib.Tag)...)
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

	ib := a.cfg.Inbound()
	for _, u := range seats {
		if err := a.AddUser(ctx, u, ib); err != nil {
			logger.Warningf("%s: failed to re-project user %s: %v", a.name, u.Identifier(), err)
			continue
		}
		a.store.UpdateUserInbounds(u, append(inboundSlice(u), ib))
	}

	return nil
}

func (a *Adapter) persistConfig(data []byte) error {
	if err := os.WriteFile(a.engCfg.ConfigPath, data, 0o644); err != nil {
		return common.New(common.KindConfigInvalid, "failed to persist hysteria2 config", err)
	}
	return nil
}

// AddUser registers user's derived password with the auth callback
// server. There is no live engine push: Hysteria2 authenticates every
// new connection against this table on demand.
func (a *Adapter) AddUser(ctx context.Context, user model.User, inbound model.Inbound) error {
	a.mu.Lock()
	auth := a.auth
	a.mu.Unlock()
	if auth == nil {
		return common.New(common.KindEngineDown, "hysteria2 not running", nil)
	}
	auth.addUser(a.gen.Password(user.Key), user)
	return nil
}

// RemoveUser drops user's password from the auth table, then asks the
// running engine to kick any already-authenticated session for it.
func (a *Adapter) RemoveUser(ctx context.Context, user model.User, inbound model.Inbound) error {
	a.mu.Lock()
	auth := a.auth
	stats := a.stats
	a.mu.Unlock()
	if auth == nil {
		return common.New(common.KindEngineDown, "hysteria2 not running", nil)
	}

	if _, ok := auth.removeUser(a.gen.Password(user.Key)); !ok {
		logger.Warningf("%s: user %s already absent", a.name, user.Identifier())
		return nil
	}
	if stats != nil {
		if err := stats.kick(ctx, []string{user.Identifier()}); err != nil {
			logger.Warningf("%s: failed to kick %s: %v", a.name, user.Identifier(), err)
		}
	}
	return nil
}

// GetUsages aggregates per-user uplink+downlink bytes. A dead or
// unreachable child yields an empty map, never an error.
func (a *Adapter) GetUsages(ctx context.Context, reset bool) map[uint64]int64 {
	a.mu.Lock()
	stats := a.stats
	a.mu.Unlock()
	if stats == nil {
		return map[uint64]int64{}
	}

	out := make(map[uint64]int64)
	for _, ct := range stats.getUsages(ctx) {
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
	if a.cfg == nil {
		return nil
	}
	return []model.Inbound{a.cfg.Inbound()}
}

func (a *Adapter) GetConfig() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rawCfg == nil {
		return "", common.New(common.KindConfigInvalid, "hysteria2 config not loaded", nil)
	}
	return string(a.rawCfg), nil
}

func (a *Adapter) ContainsTag(tag string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg != nil && tag == inboundTag
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

func randomSecret() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
