package singbox

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

var _ backend.VPNBackend = (*Adapter)(nil)

// Adapter is the sing-box implementation of backend.VPNBackend.
type Adapter struct {
	name   string
	engCfg config.EngineConfig
	gen    *keygen.Generator
	store  storage.Storage

	restartMu sync.Mutex

	mu        sync.Mutex
	cfg       *Config
	rawConfig []byte
	apiPort   int
	proc      *childProcess
	api       *httpAPI
	pump      *backend.LogPump
	version   string
	batcher   *batcher
}

func NewAdapter(name string, engCfg config.EngineConfig, credAlgo config.CredentialAlgorithm, store storage.Storage) *Adapter {
	return &Adapter{
		name:   name,
		engCfg: engCfg,
		gen:    keygen.NewGenerator(credAlgo),
		store:  store,
	}
}

func (a *Adapter) Name() string { return a.name }
func (a *Adapter) Type() string { return "sing-box" }

func (a *Adapter) Start(ctx context.Context, newConfig []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	data := newConfig
	if len(data) == 0 {
		var err error
		data, err = os.ReadFile(a.engCfg.ConfigPath)
		if err != nil {
			return common.New(common.KindConfigInvalid, "failed to read sing-box config from disk", err)
		}
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return err
	}

	port, err := backend.PickFreePort()
	if err != nil {
		return common.New(common.KindPortBindFailed, "failed to pick sing-box admin port", err)
	}
	secret, err := randomSecret()
	if err != nil {
		return common.New(common.KindConfigInvalid, "failed to generate sing-box admin secret", err)
	}
	cfg.Enrich(port, secret)

	rendered, err := cfg.Marshal()
	if err != nil {
		return common.New(common.KindConfigInvalid, "failed to render sing-box config", err)
	}
	if err := writeConfigFile(a.engCfg.ConfigPath+".full", rendered); err != nil {
		logger.Warningf("%s: failed to write full config snapshot: %v", a.name, err)
	}
	if err := writeConfigFile(a.engCfg.ConfigPath, rendered); err != nil {
		return common.New(common.KindConfigInvalid, "failed to write sing-box config", err)
	}

	if err := check(a.engCfg.BinaryPath, a.engCfg.ConfigPath); err != nil {
		return err
	}

	pump := backend.NewLogPump(0)
	proc := newChildProcess(a.engCfg.BinaryPath)
	if err := proc.start(ctx, a.engCfg.ConfigPath, pump); err != nil {
		return err
	}

	api := newHTTPAPI(port, secret)
	if err := waitForAPI(ctx, api); err != nil {
		_ = proc.stop()
		if last := pump.LastLog(); last != "" {
			return common.Newf(common.KindEngineDown, err, "sing-box admin api never came up (last log: %s)", last)
		}
		return common.New(common.KindEngineDown, "sing-box admin api never came up", err)
	}

	a.cfg = cfg
	a.rawConfig = data
	a.apiPort = port
	a.proc = proc
	a.api = api
	a.pump = pump
	a.version = queryVersion(a.engCfg.BinaryPath)

	if a.batcher != nil {
		a.batcher.stop()
	}
	a.batcher = newBatcher(everySpec(a.engCfg.ModInterval), a.flushLocked)

	for _, ib := range a.ownedInboundsLocked() {
		a.store.RegisterInbound(ib)
	}

	go a.watchExit(proc, pump)

	return nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func waitForAPI(ctx context.Context, api *httpAPI) error {
	var lastErr error
	for attempt := 0; attempt < 10; attempt++ {
		err := api.ping(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(200 * time.Millisecond)
	}
	return lastErr
}

func (a *Adapter) watchExit(proc *childProcess, pump *backend.LogPump) {
	_ = proc.wait()
	pump.LatchStopped()
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	proc := a.proc
	pump := a.pump
	b := a.batcher
	a.mu.Unlock()

	if b != nil {
		b.stop()
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
		return common.New(common.KindConfigInvalid, "failed to persist sing-box config", err)
	}
	return nil
}

// flushLocked is the batcher's periodic tick: rewrite the in-memory
// config to disk and SIGHUP the child to pick it up.
func (a *Adapter) flushLocked() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cfg == nil || a.proc == nil {
		return nil
	}
	rendered, err := a.cfg.Marshal()
	if err != nil {
		return err
	}
	if err := writeConfigFile(a.engCfg.ConfigPath, rendered); err != nil {
		return err
	}
	a.rawConfig = rendered
	return a.proc.reload()
}

// AddUser mutates the in-memory inbound's user list and marks the
// batcher dirty; the actual rewrite+SIGHUP happens on the next tick.
func (a *Adapter) AddUser(ctx context.Context, user model.User, inbound model.Inbound) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cfg == nil {
		return common.New(common.KindEngineDown, "sing-box not running", nil)
	}
	ib := a.cfg.findInbound(inbound.Tag)
	if ib == nil {
		return common.New(common.KindUnknownTag, "unknown inbound tag: "+inbound.Tag, nil)
	}

	iu, err := buildInboundUser(a.gen, user, inbound)
	if err != nil {
		return err
	}

	for _, existing := range ib.Users {
		if existing.Name == iu.Name {
			logger.Warningf("%s: user %s already present on %s", a.name, user.Identifier(), inbound.Tag)
			return nil
		}
	}
	ib.Users = append(ib.Users, iu)
	a.batcher.markDirty()
	return nil
}

// RemoveUser mutates the in-memory inbound's user list and marks the
// batcher dirty.
func (a *Adapter) RemoveUser(ctx context.Context, user model.User, inbound model.Inbound) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cfg == nil {
		return common.New(common.KindEngineDown, "sing-box not running", nil)
	}
	ib := a.cfg.findInbound(inbound.Tag)
	if ib == nil {
		return common.New(common.KindUnknownTag, "unknown inbound tag: "+inbound.Tag, nil)
	}

	identifier := user.Identifier()
	idx := -1
	for i, existing := range ib.Users {
		if existing.Name == identifier {
			idx = i
			break
		}
	}
	if idx < 0 {
		logger.Warningf("%s: user %s already absent from %s", a.name, identifier, inbound.Tag)
		return nil
	}
	ib.Users = append(ib.Users[:idx], ib.Users[idx+1:]...)
	a.batcher.markDirty()
	return nil
}

func (a *Adapter) GetUsages(ctx context.Context, reset bool) map[uint64]int64 {
	a.mu.Lock()
	api := a.api
	a.mu.Unlock()
	if api == nil {
		return map[uint64]int64{}
	}

	out := make(map[uint64]int64)
	for _, ct := range api.getUsages(ctx, reset) {
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

func (a *Adapter) ownedInboundsLocked() []model.Inbound {
	if a.cfg == nil {
		return nil
	}
	out := make([]model.Inbound, 0, len(a.cfg.Inbounds))
	for _, ib := range a.cfg.Inbounds {
		out = append(out, model.Inbound{Tag: ib.Tag, Protocol: model.Protocol(ib.Type), Config: ib})
	}
	return out
}

func (a *Adapter) GetConfig() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rawConfig == nil {
		return "", common.New(common.KindConfigInvalid, "sing-box config not loaded", nil)
	}
	return string(a.rawConfig), nil
}

func (a *Adapter) ContainsTag(tag string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cfg == nil {
		return false
	}
	return a.cfg.findInbound(tag) != nil
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

// buildInboundUser derives the protocol-appropriate credential for a
// sing-box inbound, the same accounts_map idea used in the Xray adapter.
func buildInboundUser(gen *keygen.Generator, user model.User, inbound model.Inbound) (InboundUser, error) {
	iu := InboundUser{Name: user.Identifier()}

	switch inbound.Protocol {
	case model.ProtocolVMess, model.ProtocolVLess:
		id, err := gen.UUID(user.Key)
		if err != nil {
			return InboundUser{}, err
		}
		iu.UUID = id.String()
	case model.ProtocolTrojan, model.ProtocolShadowsocks:
		iu.Password = gen.Password(user.Key)
	default:
		iu.Password = gen.Password(user.Key)
	}

	return iu, nil
}
