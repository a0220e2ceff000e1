package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/taskattempts/core/internal/messagestore"
)

// SpawnShell runs script as "bash -c script" in workDir, teeing its
// stdout/stderr into store exactly like a cliProfile's coding-agent
// subprocess. Setup and cleanup scripts have no executor_profile_id to
// resolve against the registry, so they are spawned through this bare
// helper instead of a registered Profile, but they share the same process
// group isolation and Handle — so Stop can terminate a running script
// exactly as it terminates a coding-agent process.
func SpawnShell(ctx context.Context, workDir, script string, store *messagestore.Store) (Handle, error) {
	cmd := exec.CommandContext(ctx, "bash", "-c", script)
	cmd.Dir = workDir
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn shell: stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn shell: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn shell: start: %w", err)
	}

	pumpDone := make(chan struct{}, 2)
	go pumpLines(stdoutPipe, store.PushStdout, pumpDone)
	go pumpLines(stderrPipe, store.PushStderr, pumpDone)

	h := &cliHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		<-pumpDone
		<-pumpDone
		waitErr := cmd.Wait()
		if cmd.ProcessState != nil {
			h.code.Store(int64(cmd.ProcessState.ExitCode()))
		} else {
			h.code.Store(-1)
		}
		h.err = waitErr
		close(h.done)
	}()
	return h, nil
}
