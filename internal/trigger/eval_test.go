/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package trigger

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func payload(raw string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		panic(err)
	}
	return m
}

var _ = Describe("Trigger Evaluator", func() {
	alert := payload(`{
		"severity": "critical",
		"score": 87.5,
		"count": 3,
		"source": {"ip": "10.0.0.8", "geo": {"country": "KP"}},
		"tags": ["malware", "lateral-movement"],
		"alerts": [
			{"rule": "brute-force", "severity": "high"},
			{"rule": "impossible-travel", "severity": "critical"}
		],
		"acknowledged": false,
		"assignee": null
	}`)

	cond := func(field, op string, value any) Condition {
		return Condition{Field: field, Operator: op, Value: value}
	}

	Context("path lookup", func() {
		It("walks dotted paths through nested objects", func() {
			v, ok := Lookup(alert, "source.geo.country")
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal("KP"))
		})

		It("indexes arrays with numeric segments", func() {
			v, ok := Lookup(alert, "alerts.1.rule")
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal("impossible-travel"))
		})

		It("misses out-of-range indices", func() {
			_, ok := Lookup(alert, "alerts.2.rule")
			Expect(ok).To(BeFalse())
		})

		It("misses non-numeric segments on arrays", func() {
			_, ok := Lookup(alert, "tags.first")
			Expect(ok).To(BeFalse())
		})

		It("distinguishes a null value from a missing key", func() {
			v, ok := Lookup(alert, "assignee")
			Expect(ok).To(BeTrue())
			Expect(v).To(BeNil())

			_, ok = Lookup(alert, "reporter")
			Expect(ok).To(BeFalse())
		})
	})

	Context("equality operators", func() {
		It("matches equal strings", func() {
			Expect(EvaluateCondition(cond("severity", OpEquals, "critical"), alert)).To(BeTrue())
			Expect(EvaluateCondition(cond("severity", OpEquals, "high"), alert)).To(BeFalse())
		})

		It("compares numbers numerically regardless of representation", func() {
			Expect(EvaluateCondition(cond("count", OpEquals, 3), alert)).To(BeTrue())
			Expect(EvaluateCondition(cond("count", OpEquals, float64(3)), alert)).To(BeTrue())
			Expect(EvaluateCondition(cond("score", OpEquals, 87.5), alert)).To(BeTrue())
		})

		It("treats cross-type equality as false and not_equals as true", func() {
			Expect(EvaluateCondition(cond("count", OpEquals, "3"), alert)).To(BeFalse())
			Expect(EvaluateCondition(cond("count", OpNotEquals, "3"), alert)).To(BeTrue())
		})

		It("matches booleans and null", func() {
			Expect(EvaluateCondition(cond("acknowledged", OpEquals, false), alert)).To(BeTrue())
			Expect(EvaluateCondition(cond("assignee", OpEquals, nil), alert)).To(BeTrue())
		})
	})

	Context("ordering operators", func() {
		It("orders numbers", func() {
			Expect(EvaluateCondition(cond("score", OpGt, 80), alert)).To(BeTrue())
			Expect(EvaluateCondition(cond("score", OpGe, 87.5), alert)).To(BeTrue())
			Expect(EvaluateCondition(cond("score", OpLt, 87.5), alert)).To(BeFalse())
			Expect(EvaluateCondition(cond("score", OpLe, 87.5), alert)).To(BeTrue())
		})

		It("orders strings lexicographically", func() {
			Expect(EvaluateCondition(cond("severity", OpLt, "high"), alert)).To(BeTrue())
			Expect(EvaluateCondition(cond("severity", OpGt, "alert"), alert)).To(BeTrue())
		})

		It("refuses mixed-type ordering", func() {
			Expect(EvaluateCondition(cond("score", OpGt, "80"), alert)).To(BeFalse())
			Expect(EvaluateCondition(cond("severity", OpLt, 100), alert)).To(BeFalse())
		})
	})

	Context("string and membership operators", func() {
		It("finds substrings", func() {
			Expect(EvaluateCondition(cond("source.ip", OpContains, "10.0"), alert)).To(BeTrue())
			Expect(EvaluateCondition(cond("source.ip", OpNotContains, "192.168"), alert)).To(BeTrue())
		})

		It("finds array members via contains", func() {
			Expect(EvaluateCondition(cond("tags", OpContains, "malware"), alert)).To(BeTrue())
			Expect(EvaluateCondition(cond("tags", OpContains, "phishing"), alert)).To(BeFalse())
		})

		It("matches prefixes and suffixes", func() {
			Expect(EvaluateCondition(cond("source.ip", OpStartsWith, "10."), alert)).To(BeTrue())
			Expect(EvaluateCondition(cond("source.ip", OpEndsWith, ".8"), alert)).To(BeTrue())
			Expect(EvaluateCondition(cond("source.ip", OpStartsWith, "192"), alert)).To(BeFalse())
		})

		It("matches regular expressions", func() {
			Expect(EvaluateCondition(cond("source.ip", OpRegexMatch, `^10\.\d+\.\d+\.\d+$`), alert)).To(BeTrue())
			Expect(EvaluateCondition(cond("severity", OpRegexMatch, `^(critical|high)$`), alert)).To(BeTrue())
		})

		It("treats an invalid regex as non-matching", func() {
			Expect(EvaluateCondition(cond("severity", OpRegexMatch, `((`), alert)).To(BeFalse())
		})

		It("tests membership with in and not_in", func() {
			Expect(EvaluateCondition(cond("severity", OpIn, []any{"critical", "high"}), alert)).To(BeTrue())
			Expect(EvaluateCondition(cond("severity", OpIn, []any{"low", "medium"}), alert)).To(BeFalse())
			Expect(EvaluateCondition(cond("severity", OpNotIn, []any{"low", "medium"}), alert)).To(BeTrue())
			Expect(EvaluateCondition(cond("count", OpIn, []any{float64(1), float64(3)}), alert)).To(BeTrue())
		})
	})

	Context("existence operators", func() {
		It("detects present and absent fields", func() {
			Expect(EvaluateCondition(cond("source.geo", OpExists, nil), alert)).To(BeTrue())
			Expect(EvaluateCondition(cond("source.asn", OpExists, nil), alert)).To(BeFalse())
			Expect(EvaluateCondition(cond("source.asn", OpNotExists, nil), alert)).To(BeTrue())
		})

		It("counts explicit null as present", func() {
			Expect(EvaluateCondition(cond("assignee", OpExists, nil), alert)).To(BeTrue())
			Expect(EvaluateCondition(cond("assignee", OpNotExists, nil), alert)).To(BeFalse())
		})
	})

	Context("missing fields", func() {
		It("fails every comparison operator on missing fields", func() {
			for _, op := range []string{OpEquals, OpNotEquals, OpLt, OpGt, OpContains,
				OpNotContains, OpStartsWith, OpEndsWith, OpRegexMatch, OpIn, OpNotIn} {
				Expect(EvaluateCondition(cond("no.such.field", op, "x"), alert)).To(BeFalse(),
					"operator %s should not match a missing field", op)
			}
		})
	})

	Context("match modes", func() {
		It("matches everything when a trigger has no conditions", func() {
			Expect(Evaluate(Trigger{Match: MatchAll}, alert)).To(BeTrue())
			Expect(Evaluate(Trigger{Match: MatchAny}, alert)).To(BeTrue())
		})

		It("requires every condition under ALL", func() {
			t := Trigger{Match: MatchAll, Conditions: []Condition{
				cond("severity", OpEquals, "critical"),
				cond("score", OpGt, 90),
			}}
			Expect(Evaluate(t, alert)).To(BeFalse())

			t.Conditions[1] = cond("score", OpGt, 80)
			Expect(Evaluate(t, alert)).To(BeTrue())
		})

		It("requires at least one condition under ANY", func() {
			t := Trigger{Match: MatchAny, Conditions: []Condition{
				cond("severity", OpEquals, "low"),
				cond("score", OpGt, 80),
			}}
			Expect(Evaluate(t, alert)).To(BeTrue())

			t.Conditions[1] = cond("score", OpGt, 90)
			Expect(Evaluate(t, alert)).To(BeFalse())
		})

		It("defaults an empty match mode to ALL", func() {
			t := Trigger{Conditions: []Condition{
				cond("severity", OpEquals, "critical"),
				cond("score", OpGt, 90),
			}}
			Expect(Evaluate(t, alert)).To(BeFalse())
		})
	})

	Context("snapshots", func() {
		It("pins the version and conditions evaluated at admission", func() {
			t := Trigger{
				ID:      "tr_abc123",
				Version: 4,
				Match:   MatchAny,
				Conditions: []Condition{
					cond("severity", OpIn, []any{"critical"}),
				},
			}
			snap := t.Snapshot()
			Expect(snap.TriggerID).To(Equal("tr_abc123"))
			Expect(snap.Version).To(Equal(4))
			Expect(snap.Match).To(Equal(MatchAny))

			t.Conditions[0].Value = []any{"low"}
			Expect(snap.Conditions[0].Value).To(Equal([]any{"critical"}))
		})
	})
})
