package executor

import (
	"errors"
	"testing"

	"github.com/taskattempts/core/internal/domain"
)

func TestParseProfileID_SplitsExecutorAndVariant(t *testing.T) {
	id := ParseProfileID("Claude/Opus")
	if id.Executor != "claude" || id.Variant != "Opus" {
		t.Fatalf("got %+v", id)
	}
	if id.String() != "claude/Opus" {
		t.Fatalf("String() = %q", id.String())
	}
}

func TestParseProfileID_NoVariant(t *testing.T) {
	id := ParseProfileID("claude")
	if id.Variant != "" {
		t.Fatalf("Variant = %q, want empty", id.Variant)
	}
	if id.String() != "claude" {
		t.Fatalf("String() = %q, want %q", id.String(), "claude")
	}
}

func TestToDefaultVariant_ClearsVariant(t *testing.T) {
	id := ProfileID{Executor: "claude", Variant: "opus"}
	def := id.ToDefaultVariant()
	if def.Variant != "" || def.Executor != "claude" {
		t.Fatalf("ToDefaultVariant() = %+v", def)
	}
}

func TestResolve_PreregisteredExecutor_Succeeds(t *testing.T) {
	p, err := Resolve(ProfileID{Executor: "claude"})
	if err != nil {
		t.Fatal(err)
	}
	if p.ID().Executor != "claude" {
		t.Fatalf("ID() = %+v", p.ID())
	}
}

func TestResolve_UnknownExecutor_ReturnsValidationError(t *testing.T) {
	_, err := Resolve(ProfileID{Executor: "nonexistent-executor"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestRegister_OverwritesExistingFactory(t *testing.T) {
	called := false
	Register("test-fake", func(variant string) Profile {
		called = true
		return NewCLIProfile(ProfileID{Executor: "test-fake", Variant: variant}, "/bin/true")
	})
	p, err := Resolve(ProfileID{Executor: "test-fake", Variant: "v1"})
	if err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Fatal("factory not invoked")
	}
	if p.ID().Variant != "v1" {
		t.Fatalf("Variant = %q, want v1", p.ID().Variant)
	}
}

func TestRegister_IgnoresNilFactoryAndBlankName(t *testing.T) {
	before := len(Registered())
	Register("", func(string) Profile { return nil })
	Register("whatever", nil)
	if len(Registered()) != before {
		t.Fatalf("Registered() grew from a blank name or nil factory")
	}
}

func TestDecodeNDJSONLine_RecognizesAssistantToolCallAndSessionID(t *testing.T) {
	cases := []struct {
		line string
		kind string
		ok   bool
	}{
		{`{"type":"assistant","text":"hello"}`, "assistant_text", true},
		{`{"type":"tool_call","tool":"bash","input":{"cmd":"ls"}}`, "tool_call", true},
		{`{"type":"session_id","session_id":"sess-1"}`, "session_id", true},
		{`not json`, "", false},
		{``, "", false},
		{`{"type":"session_id","session_id":""}`, "", false},
		{`{"type":"unknown"}`, "", false},
	}
	for _, c := range cases {
		rec, ok := decodeNDJSONLine(c.line)
		if ok != c.ok {
			t.Errorf("decodeNDJSONLine(%q) ok = %v, want %v", c.line, ok, c.ok)
			continue
		}
		if ok && rec.kind != c.kind {
			t.Errorf("decodeNDJSONLine(%q) kind = %q, want %q", c.line, rec.kind, c.kind)
		}
	}
}
