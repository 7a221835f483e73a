// Package approval implements the human-in-the-loop pipeline: policy
// classification of proposed tool calls, durable approval records, and
// the gate that suspends a turn until a person decides.
package approval

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"

	"github.com/loomhq/loom/control-plane/internal/capability"
	"github.com/loomhq/loom/control-plane/pkg/models"
)

// RuleEnv is the evaluation environment a rule's When condition sees.
type RuleEnv struct {
	Tool string                 `expr:"tool"`
	Args map[string]interface{} `expr:"args"`
}

// compiledRule pairs a PolicyRule with its compiled When program.
// A nil program means the rule matches on tool pattern alone.
type compiledRule struct {
	rule    models.PolicyRule
	program *vm.Program
}

// Classification is the policy engine's verdict on one proposed call.
type Classification struct {
	Action   models.PolicyAction
	RuleName string // empty when the class-based default decided
	Reason   string
}

// Engine evaluates policy rules in descending priority order; the
// first matching rule wins. Calls no rule matches fall through to the
// tool-class default: read-only tools run immediately, everything that
// mutates files or runs commands requires approval.
type Engine struct {
	rules []compiledRule // sorted by priority, highest first
}

// NewEngine compiles the given rules. A rule with an invalid tool
// pattern or When expression fails construction; a half-working policy
// set must never reach serving.
func NewEngine(rules []models.PolicyRule) (*Engine, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.Tool == "" {
			return nil, fmt.Errorf("policy rule %q: empty tool pattern", r.Name)
		}
		if _, err := path.Match(r.Tool, "probe"); err != nil {
			return nil, fmt.Errorf("policy rule %q: bad tool pattern %q: %w", r.Name, r.Tool, err)
		}
		switch r.Action {
		case models.ActionAllow, models.ActionDeny, models.ActionRequireApproval:
		default:
			return nil, fmt.Errorf("policy rule %q: unknown action %q", r.Name, r.Action)
		}

		cr := compiledRule{rule: r}
		if r.When != "" {
			program, err := expr.Compile(r.When, expr.Env(RuleEnv{}), expr.AsBool())
			if err != nil {
				return nil, fmt.Errorf("policy rule %q: compile condition: %w", r.Name, err)
			}
			cr.program = program
		}
		compiled = append(compiled, cr)
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].rule.Priority > compiled[j].rule.Priority
	})
	return &Engine{rules: compiled}, nil
}

// LoadRulesFile reads operator-defined rules from a JSON file. An
// empty path yields no rules.
func LoadRulesFile(rulesPath string) ([]models.PolicyRule, error) {
	if rulesPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(rulesPath)
	if err != nil {
		return nil, fmt.Errorf("read policy rules: %w", err)
	}
	var rules []models.PolicyRule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse policy rules: %w", err)
	}
	log.Info().Int("rules", len(rules)).Str("path", rulesPath).Msg("Loaded policy rules")
	return rules, nil
}

// Classify decides what happens to a proposed tool call.
func (e *Engine) Classify(toolName string, args map[string]interface{}) Classification {
	env := RuleEnv{Tool: toolName, Args: args}
	if env.Args == nil {
		env.Args = map[string]interface{}{}
	}

	for _, cr := range e.rules {
		matched, err := cr.matches(env)
		if err != nil {
			// A rule whose condition errors at runtime is skipped, not
			// treated as a match. Worst case the call falls through to
			// the class default, which never auto-allows a mutation.
			log.Warn().Err(err).Str("rule", cr.rule.Name).Str("tool", toolName).Msg("Policy rule evaluation failed, skipping")
			continue
		}
		if matched {
			return Classification{
				Action:   cr.rule.Action,
				RuleName: cr.rule.Name,
				Reason:   fmt.Sprintf("matched policy rule %q", cr.rule.Name),
			}
		}
	}
	return defaultClassification(toolName)
}

func (cr *compiledRule) matches(env RuleEnv) (bool, error) {
	ok, err := path.Match(cr.rule.Tool, env.Tool)
	if err != nil || !ok {
		return false, err
	}
	if cr.program == nil {
		return true, nil
	}
	out, err := expr.Run(cr.program, env)
	if err != nil {
		return false, err
	}
	matched, _ := out.(bool)
	return matched, nil
}

// defaultClassification applies the tool-class defaults when no rule
// matched.
func defaultClassification(toolName string) Classification {
	switch capability.ClassOf(toolName) {
	case capability.ClassReadOnly:
		return Classification{
			Action: models.ActionAllow,
			Reason: fmt.Sprintf("%s is read-only", toolName),
		}
	case capability.ClassFileMutation:
		return Classification{
			Action: models.ActionRequireApproval,
			Reason: fmt.Sprintf("%s mutates workspace files", toolName),
		}
	case capability.ClassCommandExec:
		return Classification{
			Action: models.ActionRequireApproval,
			Reason: fmt.Sprintf("%s executes commands", toolName),
		}
	default:
		return Classification{
			Action: models.ActionDeny,
			Reason: fmt.Sprintf("unknown tool %q", toolName),
		}
	}
}
