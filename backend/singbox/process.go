package singbox

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/marzneshin/marznode/backend"
	"github.com/marzneshin/marznode/common"
)

// childProcess owns the spawned sing-box binary. Unlike Xray, sing-box
// emits no single startup log line worth matching on; the adapter
// instead validates the config via `sing-box check` before `run`, and
// polls the admin HTTP listener until it answers.
type childProcess struct {
	binaryPath string

	mu      sync.Mutex
	cmd     *exec.Cmd
	running bool
	done    chan struct{}
	waitErr error
}

func newChildProcess(binaryPath string) *childProcess {
	return &childProcess{binaryPath: binaryPath}
}

// check runs `<bin> check -c <path>` and fails loudly with the
// validator's stderr, catching config errors before the child spawns.
func check(binaryPath, configPath string) error {
	cmd := exec.Command(binaryPath, "check", "-c", configPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return common.New(common.KindConfigInvalid, "sing-box config validation failed: "+msg, err)
	}
	return nil
}

func (p *childProcess) start(ctx context.Context, configPath string, pump *backend.LogPump) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return common.New(common.KindChildSpawnFailed, "sing-box already running", nil)
	}
	p.mu.Unlock()

	cmd := exec.Command(p.binaryPath, "run", "-c", configPath)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return common.New(common.KindChildSpawnFailed, "failed to open sing-box stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return common.New(common.KindChildSpawnFailed, "failed to open sing-box stderr", err)
	}

	if err := cmd.Start(); err != nil {
		return common.New(common.KindChildSpawnFailed, "failed to spawn sing-box", err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.running = true
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.reap(cmd)
	go pumpInto(stdout, pump)
	go pumpInto(stderr, pump)

	return nil
}

// reap is the single cmd.Wait caller for one child generation.
func (p *childProcess) reap(cmd *exec.Cmd) {
	err := cmd.Wait()
	p.mu.Lock()
	p.running = false
	p.waitErr = err
	done := p.done
	p.mu.Unlock()
	close(done)
}

func pumpInto(r io.Reader, pump *backend.LogPump) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		pump.Push(scanner.Text())
	}
}

// wait blocks until the child has been reaped.
func (p *childProcess) wait() error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

func (p *childProcess) stop() error {
	p.mu.Lock()
	cmd := p.cmd
	running := p.running
	done := p.done
	p.mu.Unlock()
	if !running || cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := cmd.Process.Signal(unix.SIGTERM); err != nil {
		return err
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		if err := cmd.Process.Kill(); err != nil {
			return fmt.Errorf("failed to kill sing-box: %w", err)
		}
		<-done
	}
	return nil
}

// reload sends SIGHUP so sing-box reloads its on-disk config in place,
// the mechanism the batcher uses instead of a full restart per mutation.
func (p *childProcess) reload() error {
	p.mu.Lock()
	cmd := p.cmd
	running := p.running
	p.mu.Unlock()
	if !running || cmd == nil || cmd.Process == nil {
		return common.New(common.KindEngineDown, "sing-box not running", nil)
	}
	return cmd.Process.Signal(unix.SIGHUP)
}

func (p *childProcess) isRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *childProcess) pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

var versionRegex = regexp.MustCompile(`sing-box version (\d+\.\d+\.\d+)`)

// queryVersion runs `<bin> version` and extracts the version number
// from sing-box's banner output.
func queryVersion(binaryPath string) string {
	cmd := exec.Command(binaryPath, "version")
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	m := versionRegex.FindStringSubmatch(string(out))
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

func writeConfigFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}
