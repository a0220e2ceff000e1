// Package executor is the Executor Profile Registry: a cached table of
// executors keyed by {executor, variant}, each knowing how to spawn itself
// against a worktree directory and how to normalize its raw log stream
// into JSON-Patch records published back onto the same message store.
package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/taskattempts/core/internal/domain"
	"github.com/taskattempts/core/internal/messagestore"
)

// ProfileID identifies one registered executor/variant pair, serialized as
// "executor" or "executor/variant" — the same shape
// CodingAgentInitialRequest.ExecutorProfileID carries on the wire.
type ProfileID struct {
	Executor string
	Variant  string
}

// String renders the canonical on-the-wire form.
func (p ProfileID) String() string {
	if p.Variant == "" {
		return p.Executor
	}
	return p.Executor + "/" + p.Variant
}

// ParseProfileID splits an "executor" or "executor/variant" string.
func ParseProfileID(s string) ProfileID {
	executor, variant, _ := strings.Cut(s, "/")
	return ProfileID{Executor: strings.ToLower(strings.TrimSpace(executor)), Variant: strings.TrimSpace(variant)}
}

// ToDefaultVariant returns the same executor with its variant cleared.
func (p ProfileID) ToDefaultVariant() ProfileID {
	return ProfileID{Executor: p.Executor}
}

// SpawnRequest is what a Profile needs to launch its subprocess.
type SpawnRequest struct {
	WorkDir string
	Prompt  string
	// SessionID resumes an existing conversation; empty starts a fresh one.
	SessionID string
}

// Handle is a running (or completed) executor subprocess.
type Handle interface {
	// Wait blocks until the subprocess exits, returning its exit code.
	Wait(ctx context.Context) (exitCode int, err error)
	// Terminate sends a platform-appropriate graceful termination signal.
	Terminate() error
	// Kill force-terminates the subprocess and its children.
	Kill() error
}

// Profile is one registered executor/variant: it knows how to spawn itself
// and how to turn its raw output into normalized JSON-Patch records.
type Profile interface {
	ID() ProfileID
	// Spawn launches the subprocess, writing raw stdout/stderr lines into
	// store via PushStdout/PushStderr as they arrive, and returns a Handle
	// the orchestrator awaits.
	Spawn(ctx context.Context, req SpawnRequest, store *messagestore.Store) (Handle, error)
	// Normalize attaches a consumer to store's stdout/stderr records that
	// publishes corresponding RecordJSONPatch records back onto the same
	// store — tool-call records, assistant text, session id discovery —
	// best effort and in-process.
	Normalize(ctx context.Context, store *messagestore.Store)
}

// Factory builds a Profile for a given variant (empty string = default).
type Factory func(variant string) Profile

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register installs a Factory for an executor name, overwriting any prior
// registration — tests may re-register a fake executor.
func Register(executorName string, factory Factory) {
	key := strings.ToLower(strings.TrimSpace(executorName))
	if key == "" || factory == nil {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	factories[key] = factory
}

// Resolve looks up the Profile for {executor, variant}. Returns
// domain.ErrValidation if no executor of that name is registered.
func Resolve(id ProfileID) (Profile, error) {
	mu.RLock()
	factory, ok := factories[id.Executor]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unregistered executor %q", domain.ErrValidation, id.Executor)
	}
	return factory(id.Variant), nil
}

// Registered reports the executor names currently registered, for
// diagnostics and tests.
func Registered() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	return out
}
