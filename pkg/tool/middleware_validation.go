package tool

import (
	"fmt"
	"sort"
	"strings"

	ferrors "github.com/odvcencio/foreman/pkg/errors"
)

// ValidateInput checks input against a schema and returns every problem.
func ValidateInput(schema Schema, input map[string]any) []string {
	var problems []string
	for _, name := range schema.Required {
		if _, ok := input[name]; !ok {
			problems = append(problems, fmt.Sprintf("missing required parameter %q", name))
		}
	}

	names := make([]string, 0, len(input))
	for name := range input {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		prop, ok := schema.Properties[name]
		if !ok {
			continue
		}
		if prop.Type != "" && !typeMatches(prop.Type, input[name]) {
			problems = append(problems, fmt.Sprintf("parameter %q must be %s", name, prop.Type))
			continue
		}
		if len(prop.Enum) > 0 {
			s, _ := input[name].(string)
			if !contains(prop.Enum, s) {
				problems = append(problems, fmt.Sprintf("parameter %q must be one of %s", name, strings.Join(prop.Enum, ", ")))
			}
		}
	}
	return problems
}

func typeMatches(typ string, v any) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "integer":
		switch n := v.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == float64(int64(n))
		}
		return false
	case "number":
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		if !ok {
			_, ok = v.([]string)
		}
		return ok
	}
	return true
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// Validation rejects calls whose input does not satisfy the descriptor's
// schema. Rejections are USER faults and never reach the tool.
func Validation(onError func(tool string, problems []string)) Middleware {
	return func(next Executor) Executor {
		return func(ctx *ExecutionContext) (*Result, error) {
			if ctx == nil {
				return next(ctx)
			}
			problems := ValidateInput(ctx.Descriptor.InputSchema, ctx.Call.Input)
			if len(problems) == 0 {
				return next(ctx)
			}
			if onError != nil {
				onError(ctx.Call.Tool, problems)
			}
			return nil, ferrors.New(ferrors.ErrCodeToolInputInvalid,
				fmt.Sprintf("invalid input for %s: %s", ctx.Call.Tool, strings.Join(problems, "; "))).
				WithContext("tool", ctx.Call.Tool).
				WithUserMessage(fmt.Sprintf("The %s step was given invalid input.", ctx.Call.Tool))
		}
	}
}
