package xray

import (
	"bufio"
	"bytes"
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
	"github.com/marzneshin/marznode/logger"
)

// startedRegex matches the log line Xray emits once its core has fully
// come up; the adapter tails the log stream for this before declaring
// Start complete.
var startedRegex = regexp.MustCompile(`\[Warning] core: Xray \d+\.\d+\.\d+ started`)

const startupTimeout = 4 * time.Second

// childProcess owns the spawned Xray binary and its stdio. The process
// is reaped exactly once by a goroutine start spawns; done closes when
// the reap completes.
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

// start spawns `<bin> run -config stdin:`, feeding configJSON on stdin,
// and blocks until either the startup line appears in the log stream or
// startupTimeout elapses. Every line read from the child's stdout/stderr
// is fed into pump.
func (p *childProcess) start(ctx context.Context, configJSON []byte, pump *backend.LogPump) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return common.New(common.KindChildSpawnFailed, "xray already running", nil)
	}
	p.mu.Unlock()

	cmd := exec.Command(p.binaryPath, "run", "-config", "stdin:")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return common.New(common.KindChildSpawnFailed, "failed to open xray stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return common.New(common.KindChildSpawnFailed, "failed to open xray stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return common.New(common.KindChildSpawnFailed, "failed to open xray stderr", err)
	}

	if err := cmd.Start(); err != nil {
		return common.New(common.KindChildSpawnFailed, "failed to spawn xray", err)
	}

	if _, err := stdin.Write(configJSON); err != nil {
		_ = cmd.Process.Kill()
		return common.New(common.KindChildSpawnFailed, "failed to write xray config to stdin", err)
	}
	_ = stdin.Close()

	p.mu.Lock()
	p.cmd = cmd
	p.running = true
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.reap(cmd)

	started := make(chan struct{})
	var startedOnce sync.Once

	lineHandler := func(line string) {
		pump.Push(line)
		if startedRegex.MatchString(line) {
			startedOnce.Do(func() { close(started) })
		}
	}

	go pumpLines(stdout, lineHandler)
	go pumpLines(stderr, lineHandler)

	select {
	case <-started:
	case <-time.After(startupTimeout):
		logger.Warning("xray startup line not observed within timeout, proceeding anyway")
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// pumpLines scans r line by line, invoking handle for each complete line.
func pumpLines(r io.Reader, handle func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		handle(scanner.Text())
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

// stop sends SIGTERM, waits up to 3 seconds, then force-kills.
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
		logger.Warning("xray did not exit after SIGTERM, force killing")
		if err := cmd.Process.Kill(); err != nil {
			return fmt.Errorf("failed to kill xray: %w", err)
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

// queryVersion runs `<bin> version` and parses the `^Xray (\d+\.\d+\.\d+)`
// prefix from its output.
func queryVersion(binaryPath string) string {
	cmd := exec.Command(binaryPath, "version")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return ""
	}
	m := versionRegex.FindStringSubmatch(out.String())
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

var versionRegex = regexp.MustCompile(`^Xray (\d+\.\d+\.\d+)`)
