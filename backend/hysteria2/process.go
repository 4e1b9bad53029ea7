package hysteria2

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/marzneshin/marznode/backend"
	"github.com/marzneshin/marznode/common"
)

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

func (p *childProcess) start(ctx context.Context, configPath string, pump *backend.LogPump) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return common.New(common.KindChildSpawnFailed, "hysteria2 already running", nil)
	}
	p.mu.Unlock()

	cmd := exec.Command(p.binaryPath, "run", "-c", configPath)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return common.New(common.KindChildSpawnFailed, "failed to open hysteria2 stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return common.New(common.KindChildSpawnFailed, "failed to open hysteria2 stderr", err)
	}

	if err := cmd.Start(); err != nil {
		return common.New(common.KindChildSpawnFailed, "failed to spawn hysteria2", err)
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

func pumpInto(r io.Reader, pump *backend.LogPump) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		pump.Push(scanner.Text())
	}
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
	case <-time.After(3 * time.Second):
		if err := cmd.Process.Kill(); err != nil {
			return fmt.Errorf("failed to kill hysteria2: %w", err)
		}
		<-done
	}
	return nil
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

var versionRegex = regexp.MustCompile(`Version:\s*v(\d+\.\d+\.\d+)`)

// queryVersion runs `<bin> version` and parses the "Version: vX.Y.Z"
// line from its output.
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
