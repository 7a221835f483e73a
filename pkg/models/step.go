package models

import (
	"encoding/json"
	"fmt"
)

// Step is the closed set of outcomes a decision call can produce.
// The decision loop type-switches over the four concrete kinds at a
// single dispatch site; the unexported marker keeps the set closed so
// a new kind cannot appear without touching this package.
type Step interface {
	isStep()
}

// Reply is a free-text assistant message; the loop appends it and asks
// the agent to decide again.
type Reply struct {
	Text string `json:"text"`
}

// UseTool asks the control plane to execute a tool on the agent's
// behalf.
type UseTool struct {
	ToolName  string                 `json:"tool_name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// AskAgent requests a hand-off to another agent kind mid-session.
type AskAgent struct {
	Target AgentKind `json:"target"`
	Reason string    `json:"reason,omitempty"`
}

// Finish terminates the turn with a final summary.
type Finish struct {
	Summary string `json:"summary"`
}

func (Reply) isStep()    {}
func (UseTool) isStep()  {}
func (AskAgent) isStep() {}
func (Finish) isStep()   {}

// stepEnvelope is the wire form produced by the LLM decision service.
type stepEnvelope struct {
	Step      string                 `json:"step"` // reply, use_tool, ask_agent, finish
	Text      string                 `json:"text,omitempty"`
	ToolName  string                 `json:"tool_name,omitempty"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Target    AgentKind              `json:"target,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Summary   string                 `json:"summary,omitempty"`
}

// DecodeStep parses the decision service's wire form into a Step.
// An unknown step kind is a validation error, never retried.
func DecodeStep(data []byte) (Step, error) {
	var env stepEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode step: %w", err)
	}
	switch env.Step {
	case "reply":
		return Reply{Text: env.Text}, nil
	case "use_tool":
		if env.ToolName == "" {
			return nil, fmt.Errorf("decode step: use_tool without tool_name")
		}
		return UseTool{ToolName: env.ToolName, Arguments: env.Arguments}, nil
	case "ask_agent":
		return AskAgent{Target: env.Target, Reason: env.Reason}, nil
	case "finish":
		return Finish{Summary: env.Summary}, nil
	default:
		return nil, fmt.Errorf("decode step: unknown step kind %q", env.Step)
	}
}
