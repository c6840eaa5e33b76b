// Package resolver resolves step input references against the live
// execution context: trigger data, prior step outputs, and playbook
// fields.
//
// A string input that is exactly a reference resolves to the typed
// value it names. A string containing {{...}} tokens resolves by text
// substitution, with unresolvable tokens replaced by the empty string.
// Everything else passes through untouched.
package resolver

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/cybersentinel/soar/internal/trigger"
)

// CodeMissingInput is the step failure code for required inputs that
// resolved to nothing.
const CodeMissingInput = "MISSING_INPUT"

var templateToken = regexp.MustCompile(`\{\{([^{}]*)\}\}`)

// Context carries the reference sources for one step dispatch.
type Context struct {
	TriggerData map[string]any
	StepOutputs map[string]map[string]any
	Playbook    map[string]any
}

// MissingInputError reports required inputs that did not resolve.
type MissingInputError struct {
	StepID string
	Inputs []string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("%s: step %s: required inputs did not resolve: %s",
		CodeMissingInput, e.StepID, strings.Join(e.Inputs, ", "))
}

// ResolveInputs resolves every input value for a step. Inputs whose
// reference points at nothing are dropped from the result; required
// inputs that end up undefined fail the whole resolution.
func ResolveInputs(stepID string, inputs map[string]any, required []string, env Context) (map[string]any, error) {
	resolved := make(map[string]any, len(inputs))
	for key, value := range inputs {
		out, defined := resolveValue(value, env)
		if !defined {
			continue
		}
		resolved[key] = out
	}

	missing := make([]string, 0)
	for _, name := range required {
		if _, ok := resolved[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &MissingInputError{StepID: stepID, Inputs: missing}
	}
	return resolved, nil
}

// Lookup resolves a single reference string, reporting whether it named
// a defined value. Condition steps use this to read their source.
func Lookup(ref string, env Context) (any, bool) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "trigger_data":
		return env.TriggerData, env.TriggerData != nil
	case strings.HasPrefix(ref, "trigger_data."):
		if env.TriggerData == nil {
			return nil, false
		}
		return trigger.Lookup(env.TriggerData, strings.TrimPrefix(ref, "trigger_data."))
	case strings.HasPrefix(ref, "steps."):
		return lookupStepOutput(ref, env)
	case strings.HasPrefix(ref, "playbook."):
		field := strings.TrimPrefix(ref, "playbook.")
		v, ok := env.Playbook[field]
		return v, ok
	case strings.HasPrefix(ref, "literal:"):
		return strings.TrimPrefix(ref, "literal:"), true
	default:
		return nil, false
	}
}

// IsReference reports whether a string names one of the reference
// forms this package resolves.
func IsReference(s string) bool {
	s = strings.TrimSpace(s)
	return s == "trigger_data" ||
		strings.HasPrefix(s, "trigger_data.") ||
		strings.HasPrefix(s, "steps.") ||
		strings.HasPrefix(s, "playbook.") ||
		strings.HasPrefix(s, "literal:")
}

func resolveValue(value any, env Context) (any, bool) {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			resolved, defined := resolveValue(item, env)
			if !defined {
				continue
			}
			out[key] = resolved
		}
		return out, true
	case []any:
		out := make([]any, 0, len(v))
		for idx := range v {
			resolved, defined := resolveValue(v[idx], env)
			if !defined {
				continue
			}
			out = append(out, resolved)
		}
		return out, true
	case string:
		return resolveString(v, env)
	default:
		return value, true
	}
}

func resolveString(value string, env Context) (any, bool) {
	if templateToken.MatchString(value) {
		return expandTemplate(value, env), true
	}
	if IsReference(value) {
		return Lookup(value, env)
	}
	return value, true
}

// Expand renders a prose template, replacing {{ref}} tokens the way
// string inputs do. Approval messages go through here.
func Expand(value string, env Context) string {
	return expandTemplate(value, env)
}

// expandTemplate replaces every {{ref}} token with the stringified
// value it names. Tokens that resolve to nothing become empty strings,
// never errors: template output is prose, not data.
func expandTemplate(value string, env Context) string {
	return templateToken.ReplaceAllStringFunc(value, func(token string) string {
		inner := strings.TrimSpace(token[2 : len(token)-2])
		if inner == "" {
			return ""
		}
		v, ok := Lookup(inner, env)
		if !ok {
			return ""
		}
		return stringify(v)
	})
}

func lookupStepOutput(ref string, env Context) (any, bool) {
	parts := strings.Split(ref, ".")
	if len(parts) < 3 || parts[0] != "steps" || parts[2] != "output" {
		return nil, false
	}
	output, ok := env.StepOutputs[parts[1]]
	if !ok {
		return nil, false
	}
	if len(parts) == 3 {
		return output, true
	}
	return trigger.Lookup(output, strings.Join(parts[3:], "."))
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(raw)
	}
}
