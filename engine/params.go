package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/c360studio/qflow/qerr"
)

// refPattern matches ${stepId.result} with an optional path into the
// result value, e.g. ${extract.result.rows[0].id}.
var refPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_-]+)\.result((?:\.[A-Za-z0-9_-]+|\[\d+\])*)\}`)

// resolveParams returns a copy of params with every ${step.result}
// reference replaced by the producing step's recorded result. A string
// that is exactly one reference takes the referenced value with its
// type; references embedded in longer strings interpolate textually.
func resolveParams(params map[string]any, results map[string]any) (map[string]any, error) {
	if len(params) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		rv, err := resolveValue(v, results)
		if err != nil {
			return nil, err
		}
		out[k] = rv
	}
	return out, nil
}

func resolveValue(v any, results map[string]any) (any, error) {
	switch tv := v.(type) {
	case string:
		return resolveString(tv, results)
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, inner := range tv {
			rv, err := resolveValue(inner, results)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(tv))
		for i, inner := range tv {
			rv, err := resolveValue(inner, results)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveString(s string, results map[string]any) (any, error) {
	m := refPattern.FindStringSubmatch(s)
	if m != nil && m[0] == s {
		return lookupRef(m[1], m[2], results)
	}

	var refErr error
	replaced := refPattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := refPattern.FindStringSubmatch(match)
		val, err := lookupRef(sub[1], sub[2], results)
		if err != nil {
			refErr = err
			return match
		}
		return stringify(val)
	})
	if refErr != nil {
		return nil, refErr
	}
	return replaced, nil
}

func lookupRef(stepID, path string, results map[string]any) (any, error) {
	val, ok := results[stepID]
	if !ok {
		return nil, qerr.Newf(qerr.KindInvalidStepRef,
			"step %s has no recorded result", stepID)
	}
	for _, seg := range splitPath(path) {
		switch tv := val.(type) {
		case map[string]any:
			inner, found := tv[seg]
			if !found {
				return nil, qerr.Newf(qerr.KindInvalidStepRef,
					"result of step %s has no field %q", stepID, seg)
			}
			val = inner
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(tv) {
				return nil, qerr.Newf(qerr.KindInvalidStepRef,
					"result of step %s has no index %q", stepID, seg)
			}
			val = tv[idx]
		default:
			return nil, qerr.Newf(qerr.KindInvalidStepRef,
				"result of step %s is not traversable at %q", stepID, seg)
		}
	}
	return val, nil
}

// splitPath breaks ".rows[0].id" into ["rows", "0", "id"].
func splitPath(path string) []string {
	var segs []string
	for len(path) > 0 {
		switch path[0] {
		case '.':
			path = path[1:]
			end := strings.IndexAny(path, ".[")
			if end == -1 {
				end = len(path)
			}
			segs = append(segs, path[:end])
			path = path[end:]
		case '[':
			end := strings.IndexByte(path, ']')
			segs = append(segs, path[1:end])
			path = path[end+1:]
		default:
			// Unreachable for refPattern matches.
			return segs
		}
	}
	return segs
}

func stringify(v any) string {
	switch tv := v.(type) {
	case string:
		return tv
	case nil:
		return ""
	case map[string]any, []any:
		if raw, err := json.Marshal(tv); err == nil {
			return string(raw)
		}
	}
	return fmt.Sprintf("%v", v)
}
