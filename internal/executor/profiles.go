package executor

// init pre-populates the registry with the coding-agent CLIs this core
// ships integrations for. Each variant maps to the same binary with a
// different argv, distinguishing model variants by flag rather than by a
// separate binary per variant.
func init() {
	Register("claude", func(variant string) Profile {
		argv := []string{"--print", "--output-format", "stream-json"}
		if variant != "" {
			argv = append(argv, "--model", variant)
		}
		return NewCLIProfile(ProfileID{Executor: "claude", Variant: variant}, "claude", argv...)
	})
	Register("codex", func(variant string) Profile {
		argv := []string{"exec", "--json"}
		if variant != "" {
			argv = append(argv, "--profile", variant)
		}
		return NewCLIProfile(ProfileID{Executor: "codex", Variant: variant}, "codex", argv...)
	})
	Register("gemini", func(variant string) Profile {
		argv := []string{"--format", "json"}
		if variant != "" {
			argv = append(argv, "--model", variant)
		}
		return NewCLIProfile(ProfileID{Executor: "gemini", Variant: variant}, "gemini", argv...)
	})
}
