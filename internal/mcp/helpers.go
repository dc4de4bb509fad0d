package mcp

import (
	"fmt"
	"strings"

	"browsernerd-resolver/internal/intent"
)

func getStringArg(args map[string]interface{}, key string) string {
	val, ok := args[key]
	if !ok || val == nil {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func getIntArg(args map[string]interface{}, key string, fallback int) int {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// getBoolArg extracts a boolean argument with default.
func getBoolArg(args map[string]interface{}, key string, fallback bool) bool {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	if b, ok := val.(bool); ok {
		return b
	}
	return fallback
}

// getStringSliceArg accepts a JSON array of strings or a single string.
func getStringSliceArg(args map[string]interface{}, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

// requestFromArgs builds a step from either a short "step" sentence or the
// structured action/target/near/value fields. Structured fields override
// what the sentence parsed to.
func requestFromArgs(args map[string]interface{}) (intent.Request, error) {
	var req intent.Request
	if step := getStringArg(args, "step"); step != "" {
		req = intent.Parse(step)
	}
	if action := getStringArg(args, "action"); action != "" {
		req.Action = intent.ActionType(strings.ToLower(action))
	}
	if target := getStringArg(args, "target"); target != "" {
		req.Target = target
	}
	if near := getStringArg(args, "near"); near != "" {
		req.Near = near
	}
	if value, ok := args["value"]; ok && value != nil {
		req.Value = getStringArg(args, "value")
	}
	req.Hints = append(req.Hints, getStringSliceArg(args, "hints")...)

	if req.Action == "" {
		return req, fmt.Errorf("step or action is required")
	}
	if req.Action.NeedsTarget() && req.Target == "" && len(req.Hints) == 0 {
		return req, fmt.Errorf("action %s needs a target", req.Action)
	}
	return req, nil
}

// planFromArgs reads "steps" as sentences or structured step objects.
func planFromArgs(args map[string]interface{}) ([]intent.Request, error) {
	raw, ok := args["steps"].([]interface{})
	if !ok {
		if lines := getStringSliceArg(args, "steps"); len(lines) > 0 {
			raw = make([]interface{}, len(lines))
			for i, l := range lines {
				raw[i] = l
			}
		}
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("steps is required")
	}

	plan := make([]intent.Request, 0, len(raw))
	for i, item := range raw {
		var stepArgs map[string]interface{}
		switch v := item.(type) {
		case string:
			stepArgs = map[string]interface{}{"step": v}
		case map[string]interface{}:
			stepArgs = v
		default:
			return nil, fmt.Errorf("step %d: expected string or object, got %T", i+1, item)
		}
		req, err := requestFromArgs(stepArgs)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		plan = append(plan, req)
	}
	return plan, nil
}
