package singbox

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/marzneshin/marznode/logger"
)

// everySpec renders a robfig/cron "@every" schedule from a duration.
func everySpec(d time.Duration) string {
	if d <= 0 {
		d = 30 * time.Second
	}
	return "@every " + d.String()
}

// batcher coalesces add_user/remove_user calls into a dirty flag: the
// adapter mutates the in-memory Config and marks dirty, and a cron job
// running at the adapter's configured interval rewrites the config file
// and SIGHUPs the child once per tick rather than once per mutation —
// sing-box has no live add-user RPC, so every mutation is otherwise a
// full config rewrite.
type batcher struct {
	mu    sync.Mutex
	dirty bool
	flush func() error

	cronID  cron.EntryID
	cronRun *cron.Cron
}

// newBatcher wires flush (persist + reload) to run on a fixed interval
// via robfig/cron's "@every" schedule spec.
func newBatcher(intervalSpec string, flush func() error) *batcher {
	b := &batcher{flush: flush}
	b.cronRun = cron.New()
	id, err := b.cronRun.AddFunc(intervalSpec, b.tick)
	if err != nil {
		logger.Errorf("sing-box batcher: failed to schedule flush job: %v", err)
	}
	b.cronID = id
	b.cronRun.Start()
	return b
}

// markDirty flags that the in-memory config diverges from what's on
// disk / running in the child.
func (b *batcher) markDirty() {
	b.mu.Lock()
	b.dirty = true
	b.mu.Unlock()
}

func (b *batcher) tick() {
	b.mu.Lock()
	dirty := b.dirty
	b.dirty = false
	b.mu.Unlock()

	if !dirty {
		return
	}
	if err := b.flush(); err != nil {
		logger.Errorf("sing-box batcher: flush failed: %v", err)
		b.markDirty()
	}
}

// flushNow forces an immediate flush regardless of the dirty flag and
// returns the flush result synchronously.
func (b *batcher) flushNow() error {
	b.mu.Lock()
	b.dirty = false
	b.mu.Unlock()
	return b.flush()
}

func (b *batcher) stop() {
	b.cronRun.Stop()
}
