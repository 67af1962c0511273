// Package runner drives Worker CLI child processes. It spawns one child
// per task start (and one per respond continuation), streams NDJSON stdout
// through the event codec into the task manager, persists events, enforces
// the runtime timeout, and classifies child exits.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/zjrosen/ocmcp/internal/log"
	"github.com/zjrosen/ocmcp/internal/pool"
	"github.com/zjrosen/ocmcp/internal/proc"
	"github.com/zjrosen/ocmcp/internal/store"
	"github.com/zjrosen/ocmcp/internal/task"
)

// DefaultTimeout is the per-child runtime cap.
const DefaultTimeout = 15 * time.Minute

// ErrNotWorking is returned when a start is attempted for a task that is
// not in working status.
var ErrNotWorking = errors.New("task is not in working status")

// childKind distinguishes initial runs from respond continuations; health
// reporting surfaces the two counts separately.
type childKind int

const (
	kindStart childKind = iota
	kindRespond
)

// child is one live Worker CLI process.
type child struct {
	pid    int
	cancel context.CancelFunc
}

// Config tunes the runner.
type Config struct {
	// BinPath is the Worker CLI executable. Empty means discover it via
	// PATH and the usual install locations on first use.
	BinPath string

	// Timeout is the per-child runtime cap. Zero means DefaultTimeout.
	Timeout time.Duration

	// WorkDir is the child working directory. Empty inherits ours.
	WorkDir string
}

// Runner supervises all live Worker CLI children.
type Runner struct {
	cfg     Config
	manager *task.Manager
	store   *store.Store
	pool    *pool.Pool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	starts   map[string]*child
	responds map[string]*child
	binPath  string
}

// New creates a runner. StopAll tears it down.
func New(cfg Config, manager *task.Manager, st *store.Store, p *pool.Pool) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cfg:      cfg,
		manager:  manager,
		store:    st,
		pool:     p,
		ctx:      ctx,
		cancel:   cancel,
		starts:   make(map[string]*child),
		responds: make(map[string]*child),
	}
}

// StartInput names one task start.
type StartInput struct {
	TaskID         string
	Prompt         string
	Model          string
	Agent          task.Agent
	OutputGuidance string
}

// Start launches the Worker CLI for a freshly created task and returns
// immediately; the child runs (and is admitted through the pool) on its
// own goroutine. The task must exist and be in working status.
func (r *Runner) Start(in StartInput) error {
	status, err := r.manager.TaskStatus(in.TaskID)
	if err != nil {
		return err
	}
	if status != task.StatusWorking {
		return fmt.Errorf("%w: %s is %s", ErrNotWorking, in.TaskID, status)
	}

	args := startArgs(in.Model, in.Agent, composePrompt(in.Prompt, in.OutputGuidance))
	r.launch(in.TaskID, kindStart, args)
	return nil
}

// Respond launches a continuation child on the task's existing worker
// session. Precondition checks (status, non-empty session) belong to the
// caller; the runner only spawns.
func (r *Runner) Respond(taskID, sessionID, response string) {
	r.launch(taskID, kindRespond, continueArgs(sessionID, response))
}

// launch runs one child through pool admission on a fresh goroutine.
func (r *Runner) launch(taskID string, kind childKind, args []string) {
	r.wg.Add(1)
	log.SafeGo("runner."+taskID, func() {
		defer r.wg.Done()
		err := r.pool.Execute(r.ctx, func() error {
			return r.runOnce(taskID, kind, args)
		})
		if errors.Is(err, pool.ErrPoolClosed) || errors.Is(err, context.Canceled) {
			// Shutdown beat this task to its slot; leave its status alone.
			log.Debug(log.CatRunner, "Admission aborted by shutdown", "taskID", taskID)
		}
	})
}

// Stop kills any live child for the task. Returns true iff at least one
// live child existed and was signalled. Idempotent.
func (r *Runner) Stop(taskID string) bool {
	r.mu.Lock()
	var cancels []context.CancelFunc
	if c, ok := r.starts[taskID]; ok {
		cancels = append(cancels, c.cancel)
	}
	if c, ok := r.responds[taskID]; ok {
		cancels = append(cancels, c.cancel)
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels) > 0
}

// StopAll terminates every live child and waits for their goroutines.
// Used at shutdown; the runner accepts no work afterwards.
func (r *Runner) StopAll() {
	r.cancel()
	r.wg.Wait()
}

// ActiveCount returns the number of live children of both kinds.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.starts) + len(r.responds)
}

// ActiveProcesses returns the number of live initial-run children.
func (r *Runner) ActiveProcesses() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.starts)
}

// ActiveRespondProcesses returns the number of live continuation children.
func (r *Runner) ActiveRespondProcesses() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.responds)
}

// runOnce owns one child from spawn to exit classification. It runs on the
// goroutine holding the pool slot; returning releases the slot.
func (r *Runner) runOnce(taskID string, kind childKind, args []string) error {
	bin, err := r.resolveBin()
	if err != nil {
		r.failSpawn(taskID, err)
		return err
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.Timeout)
	defer cancel()

	// #nosec G204 -- argv is assembled from validated tool inputs, no shell
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = r.cfg.WorkDir
	cmd.Cancel = func() error {
		proc.Kill(cmd.Process.Pid)
		return nil
	}
	cmd.WaitDelay = 10 * time.Second
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.failSpawn(taskID, err)
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.failSpawn(taskID, err)
		return err
	}

	if err := cmd.Start(); err != nil {
		r.failSpawn(taskID, err)
		return err
	}

	c := &child{pid: cmd.Process.Pid, cancel: cancel}
	r.register(taskID, kind, c)
	defer r.unregister(taskID, kind)

	log.Info(log.CatRunner, "Worker spawned",
		"taskID", taskID, "pid", c.pid, "kind", kindName(kind))

	var pumps sync.WaitGroup
	pumps.Add(1)
	go func() {
		defer pumps.Done()
		r.pumpStderr(taskID, stderr)
	}()

	// Stdout is consumed on this goroutine; it ends when the child closes
	// its end, which also bounds cmd.Wait below.
	r.pumpStdout(taskID, stdout)
	pumps.Wait()

	waitErr := cmd.Wait()
	r.classifyExit(ctx, taskID, waitErr)
	return nil
}

// failSpawn marks the task failed with the spawn error.
func (r *Runner) failSpawn(taskID string, err error) {
	log.ErrorErr(log.CatRunner, "Worker spawn failed", err, "taskID", taskID)
	if ferr := r.manager.FailTask(taskID, "Process error: "+err.Error()); ferr != nil {
		log.Debug(log.CatRunner, "FailTask after spawn error", "taskID", taskID, "error", ferr)
	}
}

// classifyExit reconciles the task's status with how the child died.
//
// Terminal tasks are left alone: completion via step_finish(stop) or an
// external cancel already decided the outcome. A context cancellation
// (Stop, StopAll) is likewise not ours to classify. Exit 0 with the task
// still working is tolerated; non-compliant workers that never emit a
// final step_finish simply stay working.
func (r *Runner) classifyExit(ctx context.Context, taskID string, waitErr error) {
	status, err := r.manager.TaskStatus(taskID)
	if err != nil || status.IsTerminal() {
		return
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		msg := fmt.Sprintf("Process timed out after %.0f seconds", r.cfg.Timeout.Seconds())
		log.Warn(log.CatRunner, "Worker timed out", "taskID", taskID)
		_ = r.manager.FailTask(taskID, msg)
		return
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return
	}

	if waitErr == nil {
		return
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			_ = r.manager.FailTask(taskID, fmt.Sprintf("Process exited with code %d", code))
		} else {
			_ = r.manager.FailTask(taskID, fmt.Sprintf("Process killed by signal %s", exitSignal(exitErr)))
		}
		return
	}
	_ = r.manager.FailTask(taskID, "Process error: "+waitErr.Error())
}

func (r *Runner) register(taskID string, kind childKind, c *child) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kind == kindStart {
		r.starts[taskID] = c
	} else {
		r.responds[taskID] = c
	}
}

func (r *Runner) unregister(taskID string, kind childKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kind == kindStart {
		delete(r.starts, taskID)
	} else {
		delete(r.responds, taskID)
	}
}

// resolveBin locates the Worker CLI, caching success only. A miss is
// retried on the next spawn so installing the CLI does not require a
// supervisor restart.
func (r *Runner) resolveBin() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.binPath != "" {
		return r.binPath, nil
	}
	if r.cfg.BinPath != "" {
		r.binPath = r.cfg.BinPath
		return r.binPath, nil
	}
	path, err := Locate()
	if err != nil {
		return "", err
	}
	r.binPath = path
	return path, nil
}

func kindName(kind childKind) string {
	if kind == kindRespond {
		return "respond"
	}
	return "start"
}
