package tool

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
)

// RunSpec describes a single external tool invocation
type RunSpec struct {
	Dir      string
	Binary   string
	Args     []string
	OnStdout func(line string)
	OnStderr func(line string)
	// OnStart receives the spawned process handle so the pipeline can
	// force-terminate it on cancellation.
	OnStart func(p *os.Process)
}

// Executor abstracts command execution for testability
type Executor interface {
	Run(ctx context.Context, spec RunSpec) error
}

// CommandExecutor runs tools as real subprocesses
type CommandExecutor struct{}

// Run executes the command, streaming stdout and stderr line-wise
func (CommandExecutor) Run(ctx context.Context, spec RunSpec) error {
	cmd := exec.CommandContext(ctx, spec.Binary, spec.Args...)
	cmd.Dir = spec.Dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", spec.Binary, err)
	}

	if spec.OnStart != nil {
		spec.OnStart(cmd.Process)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if spec.OnStdout != nil {
				spec.OnStdout(scanner.Text())
			}
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if spec.OnStderr != nil {
				spec.OnStderr(scanner.Text())
			}
		}
	}()

	wg.Wait()
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w", spec.Binary, err)
	}
	return nil
}

// ProcessRegistry tracks live subprocess handles so cancellation can kill
// them. Handles are registered before the tool starts producing output and
// removed when the invocation returns.
type ProcessRegistry struct {
	mu    sync.Mutex
	procs map[int]*os.Process
}

// NewProcessRegistry creates an empty registry
func NewProcessRegistry() *ProcessRegistry {
	return &ProcessRegistry{procs: make(map[int]*os.Process)}
}

// Add registers a process handle
func (r *ProcessRegistry) Add(p *os.Process) {
	if p == nil {
		return
	}
	r.mu.Lock()
	r.procs[p.Pid] = p
	r.mu.Unlock()
}

// Remove unregisters a process handle
func (r *ProcessRegistry) Remove(p *os.Process) {
	if p == nil {
		return
	}
	r.mu.Lock()
	delete(r.procs, p.Pid)
	r.mu.Unlock()
}

// KillAll force-terminates every tracked process
func (r *ProcessRegistry) KillAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	killed := 0
	for pid, p := range r.procs {
		if err := p.Kill(); err == nil {
			killed++
		}
		delete(r.procs, pid)
	}
	return killed
}
