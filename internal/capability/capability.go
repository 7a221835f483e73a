// Package capability holds the static table of agent kinds, the tools
// each kind may use, and optional file-path restrictions.
//
// The registry is built once at process start and never mutated, so
// every method is safe to call concurrently from any number of turns.
// Tool classification (read-only vs file-mutation vs command-execution)
// also lives here; the approval gate uses it for its default policy.
package capability

import (
	"fmt"
	"path"
	"strings"

	"github.com/loomhq/loom/control-plane/pkg/models"
)

// ── Tool Classification ──────────────────────────────────────

// ToolClass partitions tools by the kind of side effect they have.
type ToolClass string

const (
	ClassReadOnly     ToolClass = "read_only"
	ClassFileMutation ToolClass = "file_mutation"
	ClassCommandExec  ToolClass = "command_exec"
	ClassUnknown      ToolClass = "unknown"
)

// toolClasses is the fixed classification table. The approval gate's
// default policy (allow read-only, gate the rest) reads from it, so a
// tool missing here is treated as sensitive, not as allowed.
var toolClasses = map[string]ToolClass{
	"read_file":   ClassReadOnly,
	"list_files":  ClassReadOnly,
	"search_code": ClassReadOnly,
	"read_diff":   ClassReadOnly,
	"write_file":  ClassFileMutation,
	"edit_file":   ClassFileMutation,
	"delete_file": ClassFileMutation,
	"run_command": ClassCommandExec,
	"run_tests":   ClassCommandExec,
}

// ClassOf returns the classification for a tool name, or ClassUnknown.
func ClassOf(tool string) ToolClass {
	if c, ok := toolClasses[tool]; ok {
		return c
	}
	return ClassUnknown
}

// KnownTools returns the names of all classified tools.
func KnownTools() []string {
	names := make([]string, 0, len(toolClasses))
	for name := range toolClasses {
		names = append(names, name)
	}
	return names
}

// ── Profiles ─────────────────────────────────────────────────

// PathPredicate restricts which file paths a kind may touch.
// A nil predicate means no restriction.
type PathPredicate func(p string) bool

// Profile is the immutable permission set for one agent kind.
type Profile struct {
	Kind         models.AgentKind
	AllowedTools map[string]struct{}
	// PathRestriction, when set, must return true for every path the
	// kind's tool calls reference.
	PathRestriction PathPredicate
}

// Allows reports whether the profile's allow-list contains tool.
func (p *Profile) Allows(tool string) bool {
	_, ok := p.AllowedTools[tool]
	return ok
}

// ── Errors ───────────────────────────────────────────────────

// ConfigurationError reports a registry built without a complete set
// of profiles. It is a startup-time invariant violation, never a
// runtime condition.
type ConfigurationError struct {
	Missing models.AgentKind
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("capability registry missing profile for agent kind %q", e.Missing)
}

// ── Registry ─────────────────────────────────────────────────

// Registry is the total lookup table from agent kind to profile.
type Registry struct {
	profiles map[models.AgentKind]*Profile
}

// NewRegistry builds a registry from explicit profiles, failing with a
// ConfigurationError if any known kind is missing. Ownership of the
// registry is explicit: it is constructed once in server wiring and
// passed to the orchestrator, not held in package state.
func NewRegistry(profiles ...*Profile) (*Registry, error) {
	byKind := make(map[models.AgentKind]*Profile, len(profiles))
	for _, p := range profiles {
		byKind[p.Kind] = p
	}
	for _, kind := range models.AllKinds() {
		if _, ok := byKind[kind]; !ok {
			return nil, &ConfigurationError{Missing: kind}
		}
	}
	return &Registry{profiles: byKind}, nil
}

// DefaultRegistry builds the built-in profile set.
func DefaultRegistry() (*Registry, error) {
	readTools := []string{"read_file", "list_files", "search_code", "read_diff"}
	writeTools := []string{"write_file", "edit_file", "delete_file"}
	execTools := []string{"run_command", "run_tests"}

	return NewRegistry(
		// The orchestrator plans and delegates; it reads but never
		// mutates the workspace itself.
		newProfile(models.KindOrchestrator, readTools, nil),
		newProfile(models.KindCoder, concat(readTools, writeTools, execTools), nil),
		// Architects write design documents only.
		newProfile(models.KindArchitect, concat(readTools, []string{"write_file"}), markdownOnly),
		newProfile(models.KindDebugger, concat(readTools, execTools), nil),
		newProfile(models.KindAsker, readTools, nil),
		newProfile(models.KindUniversal, concat(readTools, writeTools, execTools), nil),
	)
}

func newProfile(kind models.AgentKind, tools []string, restrict PathPredicate) *Profile {
	allowed := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		allowed[t] = struct{}{}
	}
	return &Profile{Kind: kind, AllowedTools: allowed, PathRestriction: restrict}
}

func concat(lists ...[]string) []string {
	var out []string
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}

func markdownOnly(p string) bool {
	return strings.EqualFold(path.Ext(p), ".md")
}

// ProfileFor returns the profile for kind. It is a total function over
// the fixed enum; an unknown kind yields a ConfigurationError because
// registry construction already guaranteed completeness.
func (r *Registry) ProfileFor(kind models.AgentKind) (*Profile, error) {
	p, ok := r.profiles[kind]
	if !ok {
		return nil, &ConfigurationError{Missing: kind}
	}
	return p, nil
}

// IsToolAllowed reports whether kind may dispatch tool.
func (r *Registry) IsToolAllowed(kind models.AgentKind, tool string) bool {
	p, ok := r.profiles[kind]
	return ok && p.Allows(tool)
}

// IsPathAllowed reports whether kind may touch the given path.
// True when the kind has no path restriction.
func (r *Registry) IsPathAllowed(kind models.AgentKind, filePath string) bool {
	p, ok := r.profiles[kind]
	if !ok {
		return false
	}
	if p.PathRestriction == nil {
		return true
	}
	return p.PathRestriction(filePath)
}

// DenialReason names the specific restriction that blocks kind from
// using tool, matching the tool's documented restriction wording. The
// decision loop feeds this text back to the agent so it can recover —
// e.g. by asking to switch to a capable kind.
func (r *Registry) DenialReason(kind models.AgentKind, tool string) string {
	switch ClassOf(tool) {
	case ClassUnknown:
		return fmt.Sprintf("unknown tool %q: no such tool is registered", tool)
	case ClassFileMutation:
		return fmt.Sprintf(
			"%s is a file-mutation tool; the %s agent has no file access — switch to a writing-capable agent such as %s",
			tool, kind, models.KindCoder)
	case ClassCommandExec:
		return fmt.Sprintf(
			"%s is a command-execution tool; the %s agent cannot run commands — switch to %s or %s",
			tool, kind, models.KindCoder, models.KindDebugger)
	default:
		return fmt.Sprintf("tool %q is not in the %s agent's allow-list", tool, kind)
	}
}

// PathDenialReason names the path restriction that blocks a call.
func (r *Registry) PathDenialReason(kind models.AgentKind, filePath string) string {
	return fmt.Sprintf("the %s agent may not touch %q: path is outside its permitted file set", kind, filePath)
}

// Profiles returns all registered profiles, for introspection APIs.
func (r *Registry) Profiles() []*Profile {
	out := make([]*Profile, 0, len(r.profiles))
	for _, kind := range models.AllKinds() {
		if p, ok := r.profiles[kind]; ok {
			out = append(out, p)
		}
	}
	return out
}
