package orchestrator

import (
	"path/filepath"
	"regexp"
)

// imagePlaceholder matches an image reference token a client embeds in a
// prompt, e.g. "{{image:3fa85f64-5717-4562-b3fc-2c963f66afa6}}".
var imagePlaceholder = regexp.MustCompile(`\{\{image:([0-9a-fA-F-]{36})\}\}`)

// canonicalizeImagePaths rewrites every image placeholder in prompt to the
// worktree-absolute path images are materialized under before a coding
// agent sees the prompt. This function only resolves the path a
// placeholder refers to (worktreeDir/.images/<id>); nothing in this module
// copies image files there.
func canonicalizeImagePaths(prompt, worktreeDir string) string {
	return imagePlaceholder.ReplaceAllStringFunc(prompt, func(token string) string {
		m := imagePlaceholder.FindStringSubmatch(token)
		if m == nil {
			return token
		}
		return filepath.Join(worktreeDir, ".images", m[1])
	})
}
