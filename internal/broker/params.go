package broker

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"

	perr "reach/services/privexecd/internal/errors"
	"reach/services/privexecd/internal/policy"
)

// validateParams implements §4.5. It returns a new map holding only the
// declared parameter names with concrete typed Go values (string, bool,
// int64), which is authoritative for every handler — raw params must
// never be reread.
func validateParams(rules map[string]policy.ParamRule, params map[string]json.RawMessage) (map[string]any, *perr.Err) {
	for name := range params {
		if _, ok := rules[name]; !ok {
			return nil, perr.New(perr.InvalidParameter)
		}
	}

	out := make(map[string]any, len(rules))
	for name, rule := range rules {
		raw, rawPresent := params[name]

		var resolved json.RawMessage
		var present bool

		switch {
		case len(rule.FixedValue) > 0:
			if rawPresent {
				resolved, present = raw, true
			} else if rule.Required || len(rule.Default) > 0 {
				resolved, present = rule.FixedValue, true
			}
		case rawPresent:
			resolved, present = raw, true
		case len(rule.Default) > 0:
			resolved, present = rule.Default, true
		case rule.Required:
			return nil, perr.New(perr.InvalidParameter)
		}

		if !present {
			continue
		}

		value, err := decodeGeneric(resolved)
		if err != nil {
			return nil, perr.New(perr.InvalidParameter)
		}

		if len(rule.FixedValue) > 0 && rawPresent {
			fixed, ferr := decodeGeneric(rule.FixedValue)
			if ferr != nil || value != fixed {
				return nil, perr.New(perr.InvalidParameter)
			}
		}

		typed, verr := validateTyped(rule, value)
		if verr != nil {
			return nil, verr
		}
		out[name] = typed
	}
	return out, nil
}

func decodeGeneric(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func validateTyped(rule policy.ParamRule, value any) (any, *perr.Err) {
	switch rule.Type {
	case policy.ParamString:
		s, ok := value.(string)
		if !ok {
			return nil, perr.New(perr.InvalidParameter)
		}
		if len(rule.AllowValues) > 0 && !contains(rule.AllowValues, s) {
			return nil, perr.New(perr.InvalidParameter)
		}
		return s, nil

	case policy.ParamBool:
		b, ok := value.(bool)
		if !ok {
			return nil, perr.New(perr.InvalidParameter)
		}
		return b, nil

	case policy.ParamInt:
		num, ok := value.(json.Number)
		if !ok {
			return nil, perr.New(perr.InvalidParameter)
		}
		n, err := num.Int64()
		if err != nil {
			return nil, perr.New(perr.InvalidParameter)
		}
		if rule.Min != nil && n < *rule.Min {
			return nil, perr.New(perr.InvalidParameter)
		}
		if rule.Max != nil && n > *rule.Max {
			return nil, perr.New(perr.InvalidParameter)
		}
		return n, nil

	case policy.ParamPath:
		s, ok := value.(string)
		if !ok {
			return nil, perr.New(perr.InvalidParameter)
		}
		return validatePath(rule, s)

	default:
		return nil, perr.New(perr.InvalidParameter)
	}
}

func validatePath(rule policy.ParamRule, raw string) (string, *perr.Err) {
	if !filepath.IsAbs(raw) {
		return "", perr.New(perr.PathNotAllowed)
	}
	canonical, err := filepath.EvalSymlinks(raw)
	if err != nil {
		return "", perr.New(perr.PathNotFound)
	}

	if len(rule.AllowExtensions) > 0 {
		ext := strings.ToLower(filepath.Ext(canonical))
		if !containsFold(rule.AllowExtensions, ext) {
			return "", perr.New(perr.PathNotAllowed)
		}
	}

	if len(rule.AllowRoots) > 0 {
		ok := false
		lowerCanonical := strings.ToLower(canonical)
		for _, root := range rule.AllowRoots {
			rootCanonical, rerr := filepath.EvalSymlinks(root)
			if rerr != nil {
				rootCanonical = root
			}
			lowerRoot := strings.ToLower(filepath.Clean(rootCanonical))
			if !strings.HasSuffix(lowerRoot, string(filepath.Separator)) {
				lowerRoot += string(filepath.Separator)
			}
			if lowerCanonical == strings.TrimSuffix(lowerRoot, string(filepath.Separator)) || strings.HasPrefix(lowerCanonical+string(filepath.Separator), lowerRoot) {
				ok = true
				break
			}
		}
		if !ok {
			return "", perr.New(perr.PathNotAllowed)
		}
	}

	return canonical, nil
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

func containsFold(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(v, target) {
			return true
		}
	}
	return false
}
