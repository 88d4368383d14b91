package pluginhost

import (
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/roelfdiedericks/ssod/internal/bwrap"
	. "github.com/roelfdiedericks/ssod/internal/logging"
)

// WorkerConfig describes how to spawn one plugin's worker subprocess.
type WorkerConfig struct {
	Method     string
	Binary     string
	Args       []string
	Sandbox    bool
	SandboxNet bool // only meaningful when Sandbox is set
}

// worker is one live plugin subprocess and its framed stdio pipes.
type worker struct {
	cfg    WorkerConfig
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	ready chan struct{}
	done  chan struct{}

	mu      sync.Mutex
	exitErr error
}

func startWorker(cfg WorkerConfig) (*worker, error) {
	cmd, err := buildWorkerCommand(cfg)
	if err != nil {
		return nil, err
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("pluginhost: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pluginhost: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("pluginhost: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("pluginhost: start worker %q: %w", cfg.Method, err)
	}

	w := &worker{
		cfg:    cfg,
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}

	go w.watchStderr(stderr)
	go w.watchExit()

	return w, nil
}

func buildWorkerCommand(cfg WorkerConfig) (*exec.Cmd, error) {
	if !cfg.Sandbox {
		return exec.Command(cfg.Binary, cfg.Args...), nil
	}

	b := bwrap.New().SystemBinds().EtcBinds().SSLCerts().Proc().Dev().Tmpfs("/tmp").
		DieWithParent().RoBind(cfg.Binary)
	if cfg.SandboxNet {
		b = b.ShareNet()
	} else {
		b = b.UnshareNet()
	}
	b = b.Command(cfg.Binary, cfg.Args...)

	cmd, err := b.BuildCommand()
	if err != nil {
		return nil, fmt.Errorf("pluginhost: build sandbox for %q: %w", cfg.Method, err)
	}
	return cmd, nil
}

// watchStderr waits for the worker's single ready byte, then discards
// anything further it writes to stderr (diagnostic chatter, not protocol).
func (w *worker) watchStderr(r io.ReadCloser) {
	defer r.Close()
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		if n == 1 {
			if buf[0] == readyByte {
				select {
				case <-w.ready:
				default:
					close(w.ready)
				}
			}
			continue
		}
		if err != nil {
			return
		}
	}
}

func (w *worker) watchExit() {
	err := w.cmd.Wait()
	w.mu.Lock()
	w.exitErr = err
	w.mu.Unlock()
	close(w.done)
}

// Done reports when the worker process has exited, for any reason.
func (w *worker) Done() <-chan struct{} { return w.done }

// ExitErr returns the worker's wait error, valid only after Done() is closed.
func (w *worker) ExitErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitErr
}

func (w *worker) send(v any) error { return writeFrame(w.stdin, v) }
func (w *worker) recv(v any) error { return readFrame(w.stdout, v) }

func (w *worker) kill() {
	if w.cmd.Process != nil {
		if err := w.cmd.Process.Kill(); err != nil {
			L_trace("pluginhost: kill worker failed", "method", w.cfg.Method, "err", err)
		}
	}
}
