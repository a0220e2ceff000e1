package gitengine

import (
	"bytes"
	"os/exec"
)

// runGitWithEnv runs git with a fully-formed argument list (already
// including -C and maintenance flags) plus additional environment
// variables layered on top of the process environment.
func runGitWithEnv(dir string, extraEnv []string, args ...string) (string, string, error) {
	cmd := exec.Command("git", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(cmd.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_ASKPASS=", "SSH_ASKPASS=")
	cmd.Env = append(cmd.Env, extraEnv...)
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

// runGitRaw runs git and returns raw (possibly binary) stdout bytes,
// without the auto-maintenance flags (read-only plumbing commands).
func runGitRaw(dir string, args ...string) ([]byte, string, error) {
	full := append([]string{"-C", dir}, args...)
	cmd := exec.Command("git", full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	errStr := stderr.String()
	if err != nil {
		return stdout.Bytes(), errStr, &CommandError{Args: full, Stdout: stdout.String(), Stderr: errStr, Err: err}
	}
	return stdout.Bytes(), errStr, nil
}
