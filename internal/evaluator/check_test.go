package evaluator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, s string) interface{} {
	t.Helper()
	var doc interface{}
	require.NoError(t, json.Unmarshal([]byte(s), &doc))
	return doc
}

func TestCheckOperators(t *testing.T) {
	doc := decode(t, `{
		"status": "ok",
		"score": 0.82,
		"count": "12",
		"ready": true,
		"tags": ["tech", "health"],
		"model": "gbm-v3"
	}`)

	tests := []struct {
		name  string
		check Check
		pass  bool
	}{
		{"eq string", Check{Path: "$.status", Operator: "eq", Value: "ok"}, true},
		{"eq mismatch", Check{Path: "$.status", Operator: "eq", Value: "error"}, false},
		{"ne", Check{Path: "$.status", Operator: "ne", Value: "error"}, true},
		{"gt", Check{Path: "$.score", Operator: "gt", Value: 0.5}, true},
		{"lt", Check{Path: "$.score", Operator: "lt", Value: 0.5}, false},
		{"gte numeric string", Check{Path: "$.count", Operator: "gte", Value: 12}, true},
		{"lte", Check{Path: "$.count", Operator: "lte", Value: 11}, false},
		{"eq bool coerced", Check{Path: "$.ready", Operator: "eq", Value: "true"}, true},
		{"contains array", Check{Path: "$.tags", Operator: "contains", Value: "tech"}, true},
		{"contains string", Check{Path: "$.model", Operator: "contains", Value: "gbm"}, true},
		{"regex", Check{Path: "$.model", Operator: "regex", Value: `^gbm-v\d+$`}, true},
		{"exists", Check{Path: "$.score", Operator: "exists"}, true},
		{"exists missing", Check{Path: "$.missing", Operator: "exists"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.check.Validate())
			err := tt.check.Evaluate(doc)
			if tt.pass {
				assert.NoError(t, err)
				return
			}
			var cerr *CheckError
			assert.ErrorAs(t, err, &cerr)
		})
	}
}

func TestCheckValidate(t *testing.T) {
	c := Check{Path: "$.status"}
	require.NoError(t, c.Validate())
	assert.Equal(t, "exists", c.Operator)

	c = Check{Path: "$.status", Operator: " EQ "}
	require.NoError(t, c.Validate())
	assert.Equal(t, "eq", c.Operator)

	assert.Error(t, (&Check{Operator: "eq"}).Validate())
	assert.Error(t, (&Check{Path: "$.x", Operator: "between"}).Validate())
}

func TestOrderedOperatorRejectsNonNumbers(t *testing.T) {
	doc := decode(t, `{"status": "ok"}`)
	err := Check{Path: "$.status", Operator: "gt", Value: 1}.Evaluate(doc)

	var cerr *CheckError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Reason, "cannot compare")
}

func TestEvaluateAllJoinsFailures(t *testing.T) {
	doc := decode(t, `{"status": "degraded", "score": 0.1}`)
	err := EvaluateAll(doc, []Check{
		{Path: "$.status", Operator: "eq", Value: "ok"},
		{Path: "$.score", Operator: "gte", Value: 0.5},
		{Path: "$.score", Operator: "exists"},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "$.status")
	assert.Contains(t, err.Error(), "$.score")
	assert.NoError(t, EvaluateAll(doc, nil))
}
