package capability_test

import (
	"strings"
	"testing"

	"github.com/loomhq/loom/control-plane/internal/capability"
	"github.com/loomhq/loom/control-plane/pkg/models"
)

func newRegistry(t *testing.T) *capability.Registry {
	t.Helper()
	r, err := capability.DefaultRegistry()
	if err != nil {
		t.Fatalf("DefaultRegistry() error = %v", err)
	}
	return r
}

// ─── Registry construction ───────────────────────────────────

func TestDefaultRegistryCoversAllKinds(t *testing.T) {
	r := newRegistry(t)
	for _, kind := range models.AllKinds() {
		if _, err := r.ProfileFor(kind); err != nil {
			t.Errorf("ProfileFor(%s) error = %v", kind, err)
		}
	}
}

func TestNewRegistryMissingKind(t *testing.T) {
	_, err := capability.NewRegistry()
	if err == nil {
		t.Fatal("NewRegistry() with no profiles should fail")
	}
	cfgErr, ok := err.(*capability.ConfigurationError)
	if !ok {
		t.Fatalf("NewRegistry() error = %T, want *ConfigurationError", err)
	}
	if cfgErr.Missing == "" {
		t.Error("ConfigurationError.Missing is empty")
	}
}

// ─── Tool permissions ────────────────────────────────────────

func TestToolPermissions(t *testing.T) {
	r := newRegistry(t)

	tests := []struct {
		kind models.AgentKind
		tool string
		want bool
	}{
		{models.KindOrchestrator, "read_file", true},
		{models.KindOrchestrator, "write_file", false},
		{models.KindOrchestrator, "run_command", false},
		{models.KindCoder, "write_file", true},
		{models.KindCoder, "run_tests", true},
		{models.KindArchitect, "write_file", true},
		{models.KindArchitect, "run_command", false},
		{models.KindDebugger, "run_command", true},
		{models.KindDebugger, "edit_file", false},
		{models.KindAsker, "search_code", true},
		{models.KindAsker, "write_file", false},
		{models.KindUniversal, "delete_file", true},
		{models.KindCoder, "no_such_tool", false},
	}
	for _, tt := range tests {
		if got := r.IsToolAllowed(tt.kind, tt.tool); got != tt.want {
			t.Errorf("IsToolAllowed(%s, %s) = %v, want %v", tt.kind, tt.tool, got, tt.want)
		}
	}
}

func TestDenialReasonNamesTheRestriction(t *testing.T) {
	r := newRegistry(t)

	reason := r.DenialReason(models.KindAsker, "write_file")
	if !strings.Contains(reason, "write_file") {
		t.Errorf("DenialReason() = %q, should name the tool", reason)
	}
	if !strings.Contains(reason, string(models.KindAsker)) {
		t.Errorf("DenialReason() = %q, should name the denied agent", reason)
	}
	if !strings.Contains(reason, string(models.KindCoder)) {
		t.Errorf("DenialReason() = %q, should point at a capable agent", reason)
	}
}

func TestDenialReasonUnknownTool(t *testing.T) {
	r := newRegistry(t)
	reason := r.DenialReason(models.KindCoder, "frobnicate")
	if !strings.Contains(reason, "frobnicate") {
		t.Errorf("DenialReason() = %q, should name the unknown tool", reason)
	}
}

// ─── Path restrictions ───────────────────────────────────────

func TestArchitectPathRestriction(t *testing.T) {
	r := newRegistry(t)

	tests := []struct {
		path string
		want bool
	}{
		{"docs/design.md", true},
		{"README.MD", true},
		{"main.go", false},
		{"docs/diagram.png", false},
	}
	for _, tt := range tests {
		if got := r.IsPathAllowed(models.KindArchitect, tt.path); got != tt.want {
			t.Errorf("IsPathAllowed(architect, %q) = %v, want %v", tt.path, got, tt.want)
		}
	}

	// Kinds without a restriction accept anything.
	if !r.IsPathAllowed(models.KindCoder, "main.go") {
		t.Error("IsPathAllowed(coder, main.go) = false, want true")
	}
}

// ─── Classification ──────────────────────────────────────────

func TestClassOf(t *testing.T) {
	tests := []struct {
		tool string
		want capability.ToolClass
	}{
		{"read_file", capability.ClassReadOnly},
		{"read_diff", capability.ClassReadOnly},
		{"write_file", capability.ClassFileMutation},
		{"delete_file", capability.ClassFileMutation},
		{"run_command", capability.ClassCommandExec},
		{"run_tests", capability.ClassCommandExec},
		{"mystery", capability.ClassUnknown},
	}
	for _, tt := range tests {
		if got := capability.ClassOf(tt.tool); got != tt.want {
			t.Errorf("ClassOf(%s) = %s, want %s", tt.tool, got, tt.want)
		}
	}
}
