package executor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
)

// env builds the expression environment for a step:
//
//	data      collected data
//	input     the user's text for this turn
//	intent, module, language
//	session   {id, platform, authenticated}
//	attempt   failed attempts recorded for the current state
func env(ec *Context) map[string]any {
	data := ec.Data
	if data == nil {
		data = map[string]any{}
	}
	return map[string]any{
		"data":     data,
		"input":    ec.Input,
		"intent":   ec.Intent,
		"module":   ec.Module,
		"language": ec.Language,
		"attempt":  ec.Attempt,
		"session": map[string]any{
			"id":            ec.SessionID,
			"platform":      ec.Platform,
			"authenticated": ec.Authenticated,
		},
		"null": nil,
	}
}

// evaluate compiles and runs an expression against the step environment.
func evaluate(expression string, ec *Context) (any, error) {
	environment := env(ec)
	program, err := expr.Compile(expression, expr.Env(environment), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, err)
	}
	out, err := expr.Run(program, environment)
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", expression, err)
	}
	return out, nil
}

func evaluateBool(expression string, ec *Context) (bool, error) {
	out, err := evaluate(expression, ec)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, want bool", expression, out)
	}
	return b, nil
}

func evaluateFloat(expression string, ec *Context) (float64, error) {
	out, err := evaluate(expression, ec)
	if err != nil {
		return 0, err
	}
	f, ok := toFloat(out)
	if !ok {
		return 0, fmt.Errorf("expression %q returned %T, want number", expression, out)
	}
	return f, nil
}

var placeholderRe = regexp.MustCompile(`\$\{\s*([^}]+?)\s*\}`)

// interpolate replaces every ${ expression } in text with its value. A
// placeholder that fails to evaluate renders as an empty string.
func interpolate(text string, ec *Context) string {
	if !strings.Contains(text, "${") {
		return text
	}
	return placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := placeholderRe.FindStringSubmatch(m)
		out, err := evaluate(sub[1], ec)
		if err != nil || out == nil {
			return ""
		}
		if f, ok := out.(float64); ok {
			return formatNumber(f)
		}
		return fmt.Sprint(out)
	})
}

// interpolateValue applies interpolate to strings nested anywhere in v.
func interpolateValue(v any, ec *Context) any {
	switch val := v.(type) {
	case string:
		return interpolate(val, ec)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = interpolateValue(item, ec)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = interpolateValue(item, ec)
		}
		return out
	default:
		return v
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%.2f", f)
}
