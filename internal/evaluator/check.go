// Package evaluator asserts conditions on JSON documents addressed by JSONPath.
package evaluator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/oliveagle/jsonpath"
)

// Check is a condition a remote response must satisfy before its result is
// accepted, e.g. {path: "$.status", operator: "eq", value: "ok"}.
type Check struct {
	Path     string      `yaml:"path" json:"path"`
	Operator string      `yaml:"operator" json:"operator"` // eq, ne, gt, lt, gte, lte, contains, exists, regex
	Value    interface{} `yaml:"value" json:"value,omitempty"`
}

// CheckError reports a check that did not hold
type CheckError struct {
	Check  Check
	Actual interface{}
	Reason string
}

func (e *CheckError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("check %s %s failed: %s", e.Check.Path, e.Check.Operator, e.Reason)
	}
	return fmt.Sprintf("check %s %s %v failed: got %v", e.Check.Path, e.Check.Operator, e.Check.Value, e.Actual)
}

// Validate normalizes the operator and compiles the path
func (c *Check) Validate() error {
	if c.Path == "" {
		return errors.New("check path is required")
	}
	c.Operator = strings.ToLower(strings.TrimSpace(c.Operator))
	if c.Operator == "" {
		c.Operator = "exists"
	}
	if _, ok := operators[c.Operator]; !ok {
		return fmt.Errorf("invalid operator: %s", c.Operator)
	}
	if _, err := jsonpath.Compile(c.Path); err != nil {
		return fmt.Errorf("invalid JSONPath expression '%s': %w", c.Path, err)
	}
	return nil
}

// Evaluate tests the check against a decoded JSON document
func (c Check) Evaluate(doc interface{}) error {
	pattern, err := jsonpath.Compile(c.Path)
	if err != nil {
		return &CheckError{Check: c, Reason: err.Error()}
	}

	actual, err := pattern.Lookup(doc)
	if err != nil {
		if c.Operator == "exists" {
			return &CheckError{Check: c, Reason: "path not found"}
		}
		return &CheckError{Check: c, Reason: err.Error()}
	}

	op, ok := operators[c.Operator]
	if !ok {
		return &CheckError{Check: c, Reason: "unknown operator"}
	}
	matched, err := op(actual, c.Value)
	if err != nil {
		return &CheckError{Check: c, Actual: actual, Reason: err.Error()}
	}
	if !matched {
		return &CheckError{Check: c, Actual: actual}
	}
	return nil
}

// EvaluateAll runs every check and joins the failures
func EvaluateAll(doc interface{}, checks []Check) error {
	var errs []error
	for _, c := range checks {
		if err := c.Evaluate(doc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
