package transcode

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	child_process_manager "github.com/AgustinSRG/go-child-process-manager"
	"github.com/shirou/gopsutil/v4/process"
)

// Command describes one encoder invocation.
type Command struct {
	Path   string
	Args   []string
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

// Process is a running encoder. It is exclusively owned by one Job.
type Process interface {
	Pid() int
	// Signal delivers sig; it is a no-op once the process has exited.
	Signal(sig os.Signal) error
	Kill() error
	// Done is closed after the process has exited and been reaped.
	Done() <-chan struct{}
	// Err is the exit error; only meaningful after Done is closed.
	Err() error
}

// Launcher spawns encoder processes. Tests substitute a fake.
type Launcher interface {
	Launch(ctx context.Context, cmd Command) (Process, error)
}

// Usage is a point-in-time resource sample of an encoder.
type Usage struct {
	CPUPercent float64
	RSSBytes   uint64
}

// usageSampler is implemented by processes that can report resource usage.
type usageSampler interface {
	Usage() (Usage, error)
}

// ExecLauncher starts real OS processes. Every child is registered with the
// child process manager so encoders are killed if this service dies.
type ExecLauncher struct{}

// Launch resolves the binary, starts it and reaps it in the background.
// It does not wait for the process to exit.
func (ExecLauncher) Launch(ctx context.Context, c Command) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := exec.LookPath(c.Path)
	if err != nil {
		return nil, fmt.Errorf("locate encoder %q: %w", c.Path, err)
	}

	cmd := exec.Command(path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	if err := child_process_manager.ConfigureCommand(cmd); err != nil {
		return nil, fmt.Errorf("configure encoder command: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start encoder: %w", err)
	}
	if err := child_process_manager.AddChildProcess(cmd.Process); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("register encoder process: %w", err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu     sync.Mutex
	err    error
	handle *process.Process
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Signal(sig os.Signal) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(sig); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}

func (p *execProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Usage samples CPU and resident memory through gopsutil. CPU is averaged
// since the previous sample.
func (p *execProcess) Usage() (Usage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle == nil {
		h, err := process.NewProcess(int32(p.cmd.Process.Pid))
		if err != nil {
			return Usage{}, err
		}
		p.handle = h
	}
	cpu, err := p.handle.Percent(0)
	if err != nil {
		return Usage{}, err
	}
	mem, err := p.handle.MemoryInfo()
	if err != nil {
		return Usage{}, err
	}
	return Usage{CPUPercent: cpu, RSSBytes: mem.RSS}, nil
}
