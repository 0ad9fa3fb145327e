package evaluator

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type operator func(actual, expected interface{}) (bool, error)

var operators = map[string]operator{
	"eq":       func(a, e interface{}) (bool, error) { return equal(a, e), nil },
	"ne":       func(a, e interface{}) (bool, error) { return !equal(a, e), nil },
	"gt":       ordered(func(c int) bool { return c > 0 }),
	"lt":       ordered(func(c int) bool { return c < 0 }),
	"gte":      ordered(func(c int) bool { return c >= 0 }),
	"lte":      ordered(func(c int) bool { return c <= 0 }),
	"contains": contains,
	"exists":   func(a, _ interface{}) (bool, error) { return a != nil, nil },
	"regex":    matches,
}

func ordered(accept func(int) bool) operator {
	return func(a, e interface{}) (bool, error) {
		x, err := toNumber(a)
		if err != nil {
			return false, fmt.Errorf("cannot compare: left value - %w", err)
		}
		y, err := toNumber(e)
		if err != nil {
			return false, fmt.Errorf("cannot compare: right value - %w", err)
		}
		switch {
		case x < y:
			return accept(-1), nil
		case x > y:
			return accept(1), nil
		}
		return accept(0), nil
	}
}

func contains(a, e interface{}) (bool, error) {
	if arr, ok := a.([]interface{}); ok {
		for _, item := range arr {
			if equal(item, e) {
				return true, nil
			}
		}
		return false, nil
	}
	return strings.Contains(toString(a), toString(e)), nil
}

func matches(a, e interface{}) (bool, error) {
	re, err := regexp.Compile(toString(e))
	if err != nil {
		return false, fmt.Errorf("invalid regex pattern '%v': %w", e, err)
	}
	return re.MatchString(toString(a)), nil
}

// equal compares with numeric and boolean coercion, falling back to strings
func equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	x, errA := toNumber(a)
	y, errB := toNumber(b)
	if errA == nil && errB == nil {
		return x == y
	}
	if v, ok := a.(bool); ok {
		return v == toBool(b)
	}
	if v, ok := b.(bool); ok {
		return toBool(a) == v
	}
	return toString(a) == toString(b)
}

func toString(v interface{}) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%v", v)
}

func toNumber(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert string '%s' to number", n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("cannot convert %T to number", v)
}

func toBool(v interface{}) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no", "":
			return false
		}
		return true
	case float64:
		return b != 0
	case int:
		return b != 0
	}
	return true
}
