// Package supervisor starts and watches every configured engine adapter:
// it owns the restart-on-failure loop (crash vs. planned-restart
// disambiguation) and the per-adapter resource sampling reported in
// each BackendDescriptor.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/atomic"

	"github.com/marzneshin/marznode/backend"
	"github.com/marzneshin/marznode/config"
	"github.com/marzneshin/marznode/logger"
	"github.com/marzneshin/marznode/model"
	"github.com/marzneshin/marznode/storage"
)

// watched wraps one adapter with the bookkeeping the supervisor needs:
// its engine settings (for the restart policy) and a flag distinguishing
// a planned restart from a crash.
type watched struct {
	adapter backend.VPNBackend
	engCfg  config.EngineConfig

	restarting atomic.Bool
	stopWatch  chan struct{}
}

// Supervisor owns every configured engine adapter and the storage handle
// they share. Adapters are added in insertion order; that order is also
// the tag-routing scan order per the reconciliation contract.
type Supervisor struct {
	store storage.Storage

	mu       sync.Mutex
	backends []*watched
}

// New constructs a Supervisor over a shared storage handle.
func New(store storage.Storage) *Supervisor {
	return &Supervisor{store: store}
}

// Add registers an adapter under the given engine settings. It does not
// start the adapter; call StartAll once every adapter has been added.
func (s *Supervisor) Add(adapter backend.VPNBackend, engCfg config.EngineConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backends = append(s.backends, &watched{
		adapter:   adapter,
		engCfg:    engCfg,
		stopWatch: make(chan struct{}),
	})
}

// StartAll starts every registered adapter in insertion order and spawns
// its restart-on-failure watcher. The first start failure aborts the
// remaining starts and is returned to the caller; a failed start of any
// enabled engine is fatal for process startup.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.mu.Lock()
	backends := append([]*watched(nil), s.backends...)
	s.mu.Unlock()

	for _, wb := range backends {
		if err := wb.adapter.Start(ctx, nil); err != nil {
			return fmt.Errorf("starting backend %q: %w", wb.adapter.Name(), err)
		}
		go s.watchLoop(wb)
	}
	return nil
}

// StopAll stops every adapter's watcher and child process.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	backends := append([]*watched(nil), s.backends...)
	s.mu.Unlock()

	for _, wb := range backends {
		close(wb.stopWatch)
		if err := wb.adapter.Stop(ctx); err != nil {
			logger.Warningf("stopping backend %q: %v", wb.adapter.Name(), err)
		}
	}
}

// watchLoop is the long-lived task awaiting the adapter's stopped
// event. A wake while restarting is flagged, or after a restart has
// already brought the adapter back up, is benign (the adapter's own
// Restart triggered it); otherwise it is treated as a crash and, if
// configured, recovered from.
func (s *Supervisor) watchLoop(wb *watched) {
	for {
		stopped := wb.adapter.Stopped()
		select {
		case <-wb.stopWatch:
			return
		case <-stopped:
		}

		if wb.restarting.Load() {
			// Planned restart in progress: wait it out, then resume
			// watching the fresh pump Start installs.
			for wb.restarting.Load() {
				select {
				case <-wb.stopWatch:
					return
				case <-time.After(50 * time.Millisecond):
				}
			}
			continue
		}
		if wb.adapter.Running() {
			// A planned restart finished and cleared the flag before
			// this wake; the adapter is already up on a fresh pump.
			continue
		}

		logger.Warningf("backend %q exited unexpectedly", wb.adapter.Name())
		if !wb.engCfg.RestartOnFailure {
			continue
		}

		select {
		case <-wb.stopWatch:
			return
		case <-time.After(wb.engCfg.RestartInterval):
		}

		if err := s.crashRestart(wb); err != nil {
			logger.Errorf("backend %q restart-on-failure failed: %v", wb.adapter.Name(), err)
		}
	}
}

// crashRestart re-runs the same persist/purge/start/re-project sequence
// as a requested Restart, marking the watch loop's restarting flag so
// the resulting stopped-event wake is not mistaken for a second crash.
func (s *Supervisor) crashRestart(wb *watched) error {
	wb.restarting.Store(true)
	defer wb.restarting.Store(false)
	return wb.adapter.Restart(context.Background(), nil)
}

// Restart is the entry point reconcile.Service calls for a controller-
// requested RestartBackend. It is indistinguishable from crashRestart
// to the watch loop by design: both set restarting before calling
// Adapter.Restart.
func (s *Supervisor) Restart(ctx context.Context, name string, newConfig []byte) error {
	wb, ok := s.find(name)
	if !ok {
		return fmt.Errorf("unknown backend %q", name)
	}
	wb.restarting.Store(true)
	defer wb.restarting.Store(false)
	return wb.adapter.Restart(ctx, newConfig)
}

// Backends returns every adapter in insertion order.
func (s *Supervisor) Backends() []backend.VPNBackend {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]backend.VPNBackend, len(s.backends))
	for i, wb := range s.backends {
		out[i] = wb.adapter
	}
	return out
}

// Find returns the adapter registered under name.
func (s *Supervisor) Find(name string) (backend.VPNBackend, bool) {
	wb, ok := s.find(name)
	if !ok {
		return nil, false
	}
	return wb.adapter, true
}

func (s *Supervisor) find(name string) (*watched, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, wb := range s.backends {
		if wb.adapter.Name() == name {
			return wb, true
		}
	}
	return nil, false
}

// ResolveTag scans adapters in insertion order and returns the first
// whose ContainsTag(tag) is true. No match is a programming error on
// the controller's part.
func (s *Supervisor) ResolveTag(tag string) (backend.VPNBackend, bool) {
	s.mu.Lock()
	backends := append([]*watched(nil), s.backends...)
	s.mu.Unlock()

	for _, wb := range backends {
		if wb.adapter.ContainsTag(tag) {
			return wb.adapter, true
		}
	}
	return nil, false
}

// Describe builds the controller-visible BackendDescriptor for every
// adapter, including a best-effort resource sample via gopsutil.
func (s *Supervisor) Describe() []model.BackendDescriptor {
	backends := s.Backends()
	out := make([]model.BackendDescriptor, 0, len(backends))
	for _, a := range backends {
		d := model.BackendDescriptor{
			Name:     a.Name(),
			Type:     a.Type(),
			Version:  a.Version(),
			Inbounds: a.ListInbounds(),
			Running:  a.Running(),
		}
		if pid := a.Pid(); pid > 0 {
			rss, cpu := sampleProcess(pid)
			d.RSSBytes = rss
			d.CPUPercent = cpu
		}
		out = append(out, d)
	}
	return out
}

// sampleProcess reads RSS and CPU percentage for pid via gopsutil. Any
// failure (process gone, permission denied) yields zeros rather than an
// error: resource stats are diagnostic, not load-bearing.
func sampleProcess(pid int) (rssBytes uint64, cpuPercent float64) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, 0
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		rssBytes = mem.RSS
	}
	if pct, err := proc.CPUPercent(); err == nil {
		cpuPercent = pct
	}
	return rssBytes, cpuPercent
}
