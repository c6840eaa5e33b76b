package resolver

import (
	"errors"
	"testing"
)

func testContext() Context {
	return Context{
		TriggerData: map[string]any{
			"severity":  "critical",
			"source_ip": "10.0.0.8",
			"score":     87.5,
			"alerts": []any{
				map[string]any{"rule": "brute-force"},
			},
			"empty": nil,
		},
		StepOutputs: map[string]map[string]any{
			"enrich_ip": {
				"reputation": "malicious",
				"asn":        float64(64512),
				"geo":        map[string]any{"country": "KP"},
			},
		},
		Playbook: map[string]any{
			"id":      "PB-critical-containment",
			"name":    "Critical host containment",
			"version": "1.2.0",
		},
	}
}

func TestLookupForms(t *testing.T) {
	env := testContext()
	tests := []struct {
		ref     string
		want    any
		defined bool
	}{
		{"trigger_data.severity", "critical", true},
		{"trigger_data.alerts.0.rule", "brute-force", true},
		{"trigger_data.empty", nil, true},
		{"trigger_data.absent", nil, false},
		{"steps.enrich_ip.output.reputation", "malicious", true},
		{"steps.enrich_ip.output.geo.country", "KP", true},
		{"steps.enrich_ip.output.absent", nil, false},
		{"steps.unknown.output.reputation", nil, false},
		{"playbook.version", "1.2.0", true},
		{"playbook.owner", nil, false},
		{"literal:trigger_data.severity", "trigger_data.severity", true},
		{"just a string", nil, false},
	}
	for _, tc := range tests {
		got, defined := Lookup(tc.ref, env)
		if defined != tc.defined {
			t.Fatalf("Lookup(%q) defined = %v, want %v", tc.ref, defined, tc.defined)
		}
		if defined && got != tc.want {
			t.Fatalf("Lookup(%q) = %v, want %v", tc.ref, got, tc.want)
		}
	}
}

func TestLookupWholeSources(t *testing.T) {
	env := testContext()

	v, ok := Lookup("trigger_data", env)
	if !ok {
		t.Fatal("trigger_data should resolve")
	}
	if m, isMap := v.(map[string]any); !isMap || m["severity"] != "critical" {
		t.Fatalf("trigger_data = %v", v)
	}

	v, ok = Lookup("steps.enrich_ip.output", env)
	if !ok {
		t.Fatal("whole step output should resolve")
	}
	if m := v.(map[string]any); m["reputation"] != "malicious" {
		t.Fatalf("step output = %v", v)
	}
}

func TestResolveInputsTypedReferences(t *testing.T) {
	env := testContext()
	inputs := map[string]any{
		"ip":         "trigger_data.source_ip",
		"score":      "trigger_data.score",
		"reputation": "steps.enrich_ip.output.reputation",
		"asn":        "steps.enrich_ip.output.asn",
		"plain":      "not a reference",
		"count":      float64(2),
		"nested": map[string]any{
			"country": "steps.enrich_ip.output.geo.country",
		},
	}

	resolved, err := ResolveInputs("block_ip", inputs, nil, env)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved["ip"] != "10.0.0.8" {
		t.Fatalf("ip = %v", resolved["ip"])
	}
	if resolved["score"] != 87.5 {
		t.Fatalf("score kept its type: %v", resolved["score"])
	}
	if resolved["asn"] != float64(64512) {
		t.Fatalf("asn = %v", resolved["asn"])
	}
	if resolved["plain"] != "not a reference" {
		t.Fatalf("plain = %v", resolved["plain"])
	}
	nested := resolved["nested"].(map[string]any)
	if nested["country"] != "KP" {
		t.Fatalf("nested = %v", nested)
	}
}

func TestResolveInputsTemplates(t *testing.T) {
	env := testContext()
	inputs := map[string]any{
		"summary": "Blocking {{trigger_data.source_ip}} ({{steps.enrich_ip.output.reputation}}, score {{trigger_data.score}})",
		"gap":     "missing [{{trigger_data.absent}}] here",
		"empty":   "{{}}",
	}

	resolved, err := ResolveInputs("notify", inputs, nil, env)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := resolved["summary"]; got != "Blocking 10.0.0.8 (malicious, score 87.5)" {
		t.Fatalf("summary = %q", got)
	}
	if got := resolved["gap"]; got != "missing [] here" {
		t.Fatalf("unresolvable token should become empty string, got %q", got)
	}
	if got := resolved["empty"]; got != "" {
		t.Fatalf("empty token = %q", got)
	}
}

func TestResolveInputsUndefinedDropped(t *testing.T) {
	env := testContext()
	inputs := map[string]any{
		"present": "trigger_data.severity",
		"gone":    "trigger_data.nothing.here",
	}

	resolved, err := ResolveInputs("triage", inputs, nil, env)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, ok := resolved["gone"]; ok {
		t.Fatal("undefined reference should be dropped")
	}
	if resolved["present"] != "critical" {
		t.Fatalf("present = %v", resolved["present"])
	}
}

func TestResolveInputsRequired(t *testing.T) {
	env := testContext()
	inputs := map[string]any{
		"host": "trigger_data.host",
		"ip":   "trigger_data.source_ip",
	}

	_, err := ResolveInputs("isolate_host", inputs, []string{"host", "ip"}, env)
	var missing *MissingInputError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingInputError, got %v", err)
	}
	if missing.StepID != "isolate_host" {
		t.Fatalf("step = %s", missing.StepID)
	}
	if len(missing.Inputs) != 1 || missing.Inputs[0] != "host" {
		t.Fatalf("missing = %v", missing.Inputs)
	}

	// A required input that is simply not declared also fails.
	_, err = ResolveInputs("isolate_host", map[string]any{}, []string{"host"}, env)
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingInputError, got %v", err)
	}
}

func TestTemplateStringification(t *testing.T) {
	env := Context{
		TriggerData: map[string]any{
			"count":   float64(3),
			"ratio":   0.25,
			"enabled": true,
			"tags":    []any{"a", "b"},
		},
	}
	inputs := map[string]any{
		"text": "{{trigger_data.count}}|{{trigger_data.ratio}}|{{trigger_data.enabled}}|{{trigger_data.tags}}",
	}
	resolved, err := ResolveInputs("fmt", inputs, nil, env)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := resolved["text"]; got != `3|0.25|true|["a","b"]` {
		t.Fatalf("text = %q", got)
	}
}
