package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/ryehq/rye-core/runner"
)

// ChildHandle is what a ProcessLauncher hands back for one forked child:
// enough to report its PID, observe completion, and escalate a graceful
// terminate to a hard kill. OSProcessLauncher's childProcess and
// orchestrator/temporal's workflow handle both implement this so
// Orchestrator's KillThread/SpawnThread logic doesn't care which transport
// backs a given cross-process child.
type ChildHandle interface {
	PID() int
	Done() <-chan struct{}
	Terminate() error
	Kill() error
}

// ProcessLauncher starts a thread as an independent child of some kind,
// detached from the parent's own lifecycle so it survives the parent
// exiting.
type ProcessLauncher interface {
	Launch(ctx context.Context, req runner.Request) (ChildHandle, error)
}

// childProcess wraps one forked OS child thread.
type childProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (c *childProcess) PID() int { return c.cmd.Process.Pid }

func (c *childProcess) Done() <-chan struct{} { return c.done }

// Terminate sends SIGTERM. The self-exec'd resume-thread child installs no
// handler for it and its runner loop does not watch for cancellation, so the
// signal's default action ends the child at once, without a final
// transcript event.
func (c *childProcess) Terminate() error {
	return c.cmd.Process.Signal(syscall.SIGTERM)
}

// Kill sends SIGKILL, used once the grace period following Terminate has
// elapsed without the child exiting.
func (c *childProcess) Kill() error {
	return c.cmd.Process.Kill()
}

// OSProcessLauncher forks the current executable with the resume-thread
// subcommand, the cross-process tier of spawn_thread (spec.md §4.10). The
// child self-execs in "ryed resume-thread" mode, reads its Request as JSON on
// stdin, and runs to a terminal status entirely independently of the parent:
// stdout and stderr are redirected to /dev/null, and stdin is closed once the
// request is written, so the parent exiting does not signal the child via a
// closed pipe.
type OSProcessLauncher struct {
	// Executable overrides the binary to exec; defaults to os.Executable().
	Executable string
}

func (l OSProcessLauncher) Launch(ctx context.Context, req runner.Request) (ChildHandle, error) {
	exe := l.Executable
	if exe == "" {
		resolved, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("orchestrator: resolving self executable: %w", err)
		}
		exe = resolved
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: encoding child request: %w", err)
	}

	cmd := exec.Command(exe, "resume-thread", "--thread-id", req.ThreadID)
	cmd.Stdin = nil
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: opening devnull: %w", err)
	}
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: opening child stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("orchestrator: starting child process: %w", err)
	}
	if _, err := stdin.Write(payload); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("orchestrator: writing child request: %w", err)
	}
	_ = stdin.Close()

	proc := &childProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		defer close(proc.done)
		proc.err = cmd.Wait()
		_ = devnull.Close()
	}()
	return proc, nil
}
