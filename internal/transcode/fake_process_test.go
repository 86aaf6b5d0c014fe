package transcode

import (
	"context"
	"errors"
	"os"
	"sync"
)

// fakeProcess is an in-memory encoder. By default it exits on interrupt.
type fakeProcess struct {
	pid             int
	ignoreInterrupt bool

	mu      sync.Mutex
	signals []os.Signal
	killed  bool
	err     error
	once    sync.Once
	done    chan struct{}
}

func newFakeProcess(pid int, ignoreInterrupt bool) *fakeProcess {
	return &fakeProcess{pid: pid, ignoreInterrupt: ignoreInterrupt, done: make(chan struct{})}
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	ignore := p.ignoreInterrupt
	p.mu.Unlock()
	if !ignore {
		p.exit(nil)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit(errors.New("signal: killed"))
	return nil
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// exit simulates the process terminating on its own.
func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *fakeProcess) interrupted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.signals {
		if s == os.Interrupt {
			return true
		}
	}
	return false
}

// fakeLauncher records every launch and hands out fakeProcesses.
type fakeLauncher struct {
	mu              sync.Mutex
	err             error
	ignoreInterrupt bool
	cmds            []Command
	procs           []*fakeProcess
}

func (l *fakeLauncher) Launch(ctx context.Context, c Command) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	p := newFakeProcess(1000+len(l.procs), l.ignoreInterrupt)
	l.cmds = append(l.cmds, c)
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) setErr(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

func (l *fakeLauncher) launched() []*fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*fakeProcess, len(l.procs))
	copy(out, l.procs)
	return out
}

func (l *fakeLauncher) commands() []Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Command, len(l.cmds))
	copy(out, l.cmds)
	return out
}

func (l *fakeLauncher) last() *fakeProcess {
	procs := l.launched()
	if len(procs) == 0 {
		return nil
	}
	return procs[len(procs)-1]
}

// gatedLauncher blocks every Launch until release is closed.
type gatedLauncher struct {
	fakeLauncher
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedLauncher() *gatedLauncher {
	return &gatedLauncher{entered: make(chan struct{}), release: make(chan struct{})}
}

func (l *gatedLauncher) Launch(ctx context.Context, c Command) (Process, error) {
	l.once.Do(func() { close(l.entered) })
	<-l.release
	return l.fakeLauncher.Launch(ctx, c)
}
