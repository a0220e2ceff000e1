// Package config loads the per-project configuration file: the project's
// setup/cleanup scripts and git repo path, plus the executor defaults an
// attempt is created with. YAML-backed, strict on unknown fields, with a
// small applyDefaults pass and an explicit validation pass.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExecutorDefaults names the executor/variant pair and base branch a task
// attempt is created with when the caller doesn't override them.
type ExecutorDefaults struct {
	Executor   string `yaml:"executor"`
	Variant    string `yaml:"variant,omitempty"`
	BaseBranch string `yaml:"base_branch"`
}

// ProjectConfig is the on-disk shape of a project's configuration file,
// mirroring domain.Project's setup_script/cleanup_script/git_repo_path plus
// the attempt-creation defaults the orchestrator needs.
type ProjectConfig struct {
	Version       int               `yaml:"version"`
	GitRepoPath   string            `yaml:"git_repo_path"`
	SetupScript   string            `yaml:"setup_script,omitempty"`
	CleanupScript string            `yaml:"cleanup_script,omitempty"`
	Executor      ExecutorDefaults  `yaml:"executor"`
	CopyGlobs     []string          `yaml:"copy_globs,omitempty"`
	Env           map[string]string `yaml:"env,omitempty"`
}

// Load reads and validates a project configuration file at path.
func Load(path string) (*ProjectConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project config: %w", err)
	}
	var cfg ProjectConfig
	if err := decodeYAMLStrict(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse project config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAMLStrict(b []byte, cfg *ProjectConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func (cfg *ProjectConfig) applyDefaults() {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if strings.TrimSpace(cfg.Executor.BaseBranch) == "" {
		cfg.Executor.BaseBranch = "main"
	}
	cfg.Executor.Executor = strings.ToLower(strings.TrimSpace(cfg.Executor.Executor))
	cfg.Executor.Variant = strings.TrimSpace(cfg.Executor.Variant)
	cfg.CopyGlobs = trimNonEmpty(cfg.CopyGlobs)
}

func (cfg *ProjectConfig) validate() error {
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported project config version: %d", cfg.Version)
	}
	if strings.TrimSpace(cfg.GitRepoPath) == "" {
		return fmt.Errorf("git_repo_path is required")
	}
	if cfg.Executor.Executor == "" {
		return fmt.Errorf("executor.executor is required")
	}
	return nil
}

func trimNonEmpty(parts []string) []string {
	if len(parts) == 0 {
		return nil
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
