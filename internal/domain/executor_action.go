package domain

import (
	"encoding/json"
	"fmt"
)

// ExecutorActionType names the leaf payload carried by an ExecutorAction.
type ExecutorActionType string

const (
	ActionCodingAgentInitial  ExecutorActionType = "CodingAgentInitialRequest"
	ActionCodingAgentFollowUp ExecutorActionType = "CodingAgentFollowUpRequest"
	ActionScriptRequest       ExecutorActionType = "ScriptRequest"
)

// ScriptContext names which attempt-lifecycle stage a ScriptRequest runs in.
type ScriptContext string

const (
	ScriptContextSetup   ScriptContext = "setup"
	ScriptContextCleanup ScriptContext = "cleanup"
)

// CodingAgentInitialRequest starts a fresh agent conversation.
type CodingAgentInitialRequest struct {
	Prompt            string `json:"prompt"`
	ExecutorProfileID string `json:"executor_profile_id"`
}

// CodingAgentFollowUpRequest resumes an existing agent conversation by
// session id.
type CodingAgentFollowUpRequest struct {
	Prompt            string `json:"prompt"`
	SessionID         string `json:"session_id"`
	ExecutorProfileID string `json:"executor_profile_id"`
}

// ScriptRequest runs a shell script in a named language, tagged by the
// attempt-lifecycle stage it belongs to.
type ScriptRequest struct {
	Script   string        `json:"script"`
	Language string        `json:"language"`
	Context  ScriptContext `json:"context"`
}

// ExecutorAction is the recursive chain of actions an orchestrator runs
// against a task attempt: setup → coding agent → cleanup, plus whatever
// follow-up or retry actions are appended at runtime. It serializes as a
// tagged-variant tree; a nil NextAction is the terminal case.
type ExecutorAction struct {
	Type ExecutorActionType

	Initial  *CodingAgentInitialRequest
	FollowUp *CodingAgentFollowUpRequest
	Script   *ScriptRequest

	NextAction *ExecutorAction
}

// wireExecutorAction is the JSON-on-the-wire shape: a tagged variant with an
// optional next_action, designed to round-trip losslessly through the
// database column it's stored in.
type wireExecutorAction struct {
	Type       ExecutorActionType          `json:"type"`
	Initial    *CodingAgentInitialRequest  `json:"initial,omitempty"`
	FollowUp   *CodingAgentFollowUpRequest `json:"follow_up,omitempty"`
	Script     *ScriptRequest              `json:"script,omitempty"`
	NextAction *wireExecutorAction         `json:"next_action,omitempty"`
}

// MarshalJSON renders the tagged-variant tree.
func (a ExecutorAction) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.toWire())
}

func (a ExecutorAction) toWire() *wireExecutorAction {
	w := &wireExecutorAction{
		Type:     a.Type,
		Initial:  a.Initial,
		FollowUp: a.FollowUp,
		Script:   a.Script,
	}
	if a.NextAction != nil {
		w.NextAction = a.NextAction.toWire()
	}
	return w
}

// UnmarshalJSON parses the tagged-variant tree, rejecting shapes that don't
// carry the payload their Type names.
func (a *ExecutorAction) UnmarshalJSON(b []byte) error {
	var w wireExecutorAction
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	parsed, err := fromWire(&w)
	if err != nil {
		return err
	}
	*a = *parsed
	return nil
}

func fromWire(w *wireExecutorAction) (*ExecutorAction, error) {
	if w == nil {
		return nil, nil
	}
	a := &ExecutorAction{Type: w.Type}
	switch w.Type {
	case ActionCodingAgentInitial:
		if w.Initial == nil {
			return nil, fmt.Errorf("executor action: type %s missing initial payload", w.Type)
		}
		a.Initial = w.Initial
	case ActionCodingAgentFollowUp:
		if w.FollowUp == nil {
			return nil, fmt.Errorf("executor action: type %s missing follow_up payload", w.Type)
		}
		a.FollowUp = w.FollowUp
	case ActionScriptRequest:
		if w.Script == nil {
			return nil, fmt.Errorf("executor action: type %s missing script payload", w.Type)
		}
		a.Script = w.Script
	default:
		return nil, fmt.Errorf("executor action: unknown type %q", w.Type)
	}
	next, err := fromWire(w.NextAction)
	if err != nil {
		return nil, err
	}
	a.NextAction = next
	return a, nil
}

// Prompt returns the prompt carried by this action's leaf payload, if any.
func (a ExecutorAction) Prompt() (string, bool) {
	switch a.Type {
	case ActionCodingAgentInitial:
		return a.Initial.Prompt, true
	case ActionCodingAgentFollowUp:
		return a.FollowUp.Prompt, true
	default:
		return "", false
	}
}

// ExecutorProfileID returns the executor profile id carried by this
// action's leaf payload, if any.
func (a ExecutorAction) ExecutorProfileID() (string, bool) {
	switch a.Type {
	case ActionCodingAgentInitial:
		return a.Initial.ExecutorProfileID, true
	case ActionCodingAgentFollowUp:
		return a.FollowUp.ExecutorProfileID, true
	default:
		return "", false
	}
}
