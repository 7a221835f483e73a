package models_test

import (
	"strings"
	"testing"

	"github.com/loomhq/loom/control-plane/pkg/models"
)

func TestDecodeStep(t *testing.T) {
	tests := []struct {
		name string
		data string
		want models.Step
	}{
		{
			name: "reply",
			data: `{"step":"reply","text":"working on it"}`,
			want: models.Reply{Text: "working on it"},
		},
		{
			name: "use_tool",
			data: `{"step":"use_tool","tool_name":"read_file","arguments":{"path":"main.go"}}`,
			want: models.UseTool{ToolName: "read_file", Arguments: map[string]interface{}{"path": "main.go"}},
		},
		{
			name: "ask_agent",
			data: `{"step":"ask_agent","target":"coder","reason":"needs code"}`,
			want: models.AskAgent{Target: models.KindCoder, Reason: "needs code"},
		},
		{
			name: "finish",
			data: `{"step":"finish","summary":"all done"}`,
			want: models.Finish{Summary: "all done"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := models.DecodeStep([]byte(tt.data))
			if err != nil {
				t.Fatalf("DecodeStep() error = %v", err)
			}
			switch want := tt.want.(type) {
			case models.Reply:
				if got != want {
					t.Errorf("DecodeStep() = %+v, want %+v", got, want)
				}
			case models.UseTool:
				u, ok := got.(models.UseTool)
				if !ok {
					t.Fatalf("DecodeStep() = %T, want UseTool", got)
				}
				if u.ToolName != want.ToolName || u.Arguments["path"] != want.Arguments["path"] {
					t.Errorf("DecodeStep() = %+v, want %+v", u, want)
				}
			case models.AskAgent:
				if got != want {
					t.Errorf("DecodeStep() = %+v, want %+v", got, want)
				}
			case models.Finish:
				if got != want {
					t.Errorf("DecodeStep() = %+v, want %+v", got, want)
				}
			}
		})
	}
}

func TestDecodeStepErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantMsg string
	}{
		{"unknown kind", `{"step":"dance"}`, "unknown step kind"},
		{"missing kind", `{"text":"hi"}`, "unknown step kind"},
		{"tool without name", `{"step":"use_tool","arguments":{}}`, "without tool_name"},
		{"not json", `<html>`, "decode step"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := models.DecodeStep([]byte(tt.data))
			if err == nil {
				t.Fatal("DecodeStep() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("DecodeStep() error = %v, want it to mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestApprovalStatusTerminal(t *testing.T) {
	tests := []struct {
		status models.ApprovalStatus
		want   bool
	}{
		{models.ApprovalPending, false},
		{models.ApprovalApproved, true},
		{models.ApprovalRejected, true},
		{models.ApprovalExpired, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestAgentKindValid(t *testing.T) {
	for _, kind := range models.AllKinds() {
		if !kind.Valid() {
			t.Errorf("%s.Valid() = false, want true", kind)
		}
	}
	if models.AgentKind("wizard").Valid() {
		t.Error(`AgentKind("wizard").Valid() = true, want false`)
	}
}
