// Package supervisor runs the HTTP Broker as a managed child process: it
// spawns the broker binary, waits for it to report the port it bound,
// streams its log output to subscribers, and tears it down gracefully
// (shutdown endpoint, then drain timeout, then a signal) on Stop.
package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/daemonize"
	"github.com/nxadm/tail"

	"github.com/cloudflare-r2-browser/core/cmn"
)

var listeningPortRe = regexp.MustCompile(`LISTENING PORT=(\d+)`)

// Status is a snapshot of the supervised broker's run state.
type Status struct {
	Running   bool
	Port      int
	PID       int
	StartedAt time.Time
}

// Supervisor owns the lifecycle of one broker child process at a time.
type Supervisor struct {
	binaryPath string
	runDir     string
	cfg        cmn.Config
	httpClient *http.Client

	mu     sync.Mutex
	status Status
	cancel context.CancelFunc

	subMu  sync.Mutex
	nextID int
	subs   map[int]chan string
}

// New returns a Supervisor that launches binaryPath, using runDir to hold
// its log file and pidfile.
func New(binaryPath, runDir string, cfg cmn.Config) *Supervisor {
	return &Supervisor{
		binaryPath: binaryPath,
		runDir:     runDir,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		subs:       make(map[int]chan string),
	}
}

func (s *Supervisor) logPath() string { return filepath.Join(s.runDir, "broker.log") }
func (s *Supervisor) pidPath() string { return filepath.Join(s.runDir, "broker.pid") }

// GetStatus returns the last known status. Running is only meaningful
// between a successful Start and a Stop/process exit.
func (s *Supervisor) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Subscribe returns a channel of broker log lines and an unsubscribe
// func. The channel is buffered; a slow subscriber has its oldest
// buffered line dropped rather than blocking the tailer.
func (s *Supervisor) Subscribe() (<-chan string, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan string, 256)
	s.subs[id] = ch
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
}

func (s *Supervisor) publish(line string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- line:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- line:
			default:
			}
		}
	}
}

// Start spawns the broker, blocking until it has bound its listener and
// reported the chosen port (or failed to start). Once Start returns, the
// broker keeps running detached from this process; log lines are
// streamed to subscribers for as long as the Supervisor itself runs.
func (s *Supervisor) Start(ctx context.Context, extraArgs ...string) error {
	if err := os.MkdirAll(s.runDir, 0o755); err != nil {
		return fmt.Errorf("supervisor: creating run dir: %w", err)
	}
	_ = os.Remove(s.pidPath())

	args := append([]string{
		"-logfile", s.logPath(),
		"-pidfile", s.pidPath(),
		"-port", "0",
	}, extraArgs...)

	var handshake bytes.Buffer
	if err := daemonize.Run(s.binaryPath, args, os.Environ(), &handshake); err != nil {
		return fmt.Errorf("supervisor: starting broker: %w: %s", err, handshake.String())
	}

	port, err := parseListeningPort(handshake.Bytes())
	if err != nil {
		// The handshake output predates the port announcement; fall
		// back to the log file, which carries the same line.
		port, err = waitForPortInLog(s.logPath(), 2*time.Second)
		if err != nil {
			return fmt.Errorf("supervisor: broker did not report a listening port: %w", err)
		}
	}
	pid, err := readPID(s.pidPath(), 2*time.Second)
	if err != nil {
		return fmt.Errorf("supervisor: broker did not write a pidfile: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.status = Status{Running: true, Port: port, PID: pid, StartedAt: time.Now()}
	s.mu.Unlock()

	go s.tailLog(runCtx)
	return nil
}

func (s *Supervisor) tailLog(ctx context.Context) {
	t, err := tail.TailFile(s.logPath(), tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Poll:      true,
	})
	if err != nil {
		cmn.Errorf("supervisor: tailing %s: %v", s.logPath(), err)
		return
	}
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-t.Lines:
			if !ok {
				return
			}
			if line.Err != nil {
				continue
			}
			s.publish(line.Text)
		}
	}
}

// Stop asks the broker to shut down cleanly, falling back to a signal if
// it doesn't exit within cfg.ShutdownDrainTimeout.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	status := s.status
	cancel := s.cancel
	s.mu.Unlock()
	if !status.Running {
		return nil
	}
	defer func() {
		s.mu.Lock()
		s.status.Running = false
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}()

	url := fmt.Sprintf("http://127.0.0.1:%d/shutdown", status.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err == nil {
		if resp, err := s.httpClient.Do(req); err == nil {
			resp.Body.Close()
		}
	}

	deadline := time.Now().Add(s.cfg.ShutdownDrainTimeout)
	for time.Now().Before(deadline) {
		if !processAlive(status.PID) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !processAlive(status.PID) {
		return nil
	}

	proc, err := os.FindProcess(status.PID)
	if err != nil {
		return fmt.Errorf("supervisor: finding pid %d: %w", status.PID, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("supervisor: terminating pid %d: %w", status.PID, err)
	}
	return nil
}

// Restart stops the broker if running, then starts it again.
func (s *Supervisor) Restart(ctx context.Context, extraArgs ...string) error {
	if s.GetStatus().Running {
		if err := s.Stop(ctx); err != nil {
			return err
		}
	}
	return s.Start(ctx, extraArgs...)
}

func parseListeningPort(b []byte) (int, error) {
	m := listeningPortRe.FindSubmatch(b)
	if m == nil {
		return 0, fmt.Errorf("no LISTENING PORT= line found")
	}
	return strconv.Atoi(string(m[1]))
}

func waitForPortInLog(path string, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		b, err := os.ReadFile(path)
		if err == nil {
			if port, err := parseListeningPort(b); err == nil {
				return port, nil
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	return 0, fmt.Errorf("timed out waiting for %s to report a listening port", path)
}

func readPID(path string, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		f, err := os.Open(path)
		if err == nil {
			sc := bufio.NewScanner(f)
			var pid int
			if sc.Scan() {
				pid, err = strconv.Atoi(sc.Text())
			}
			f.Close()
			if err == nil && pid > 0 {
				return pid, nil
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	return 0, fmt.Errorf("timed out waiting for %s", path)
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
