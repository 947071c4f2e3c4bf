package portal

import "fmt"

// argString/argInt/... pull typed fields out of a cmd's args map,
// returning an error the caller turns into INVALID_INPUT — every
// validation failure happens before any store read (spec.md §6
// "Validation errors are produced before any store read").

func argString(args map[string]any, field string, required bool) (string, error) {
	v, ok := args[field]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("missing required field %q", field)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q must be a string", field)
	}
	return s, nil
}

func argInt(args map[string]any, field string, def int) (int, error) {
	v, ok := args[field]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, fmt.Errorf("field %q must be a number", field)
	}
}

func argInt64(args map[string]any, field string, def int64) (int64, error) {
	v, ok := args[field]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("field %q must be a number", field)
	}
}

func argBool(args map[string]any, field string, def bool) (bool, error) {
	v, ok := args[field]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("field %q must be a bool", field)
	}
	return b, nil
}

func argStringSlice(args map[string]any, field string) ([]string, error) {
	v, ok := args[field]
	if !ok || v == nil {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("field %q must be an array of strings", field)
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		s, ok := e.(string)
		if !ok {
			return nil, fmt.Errorf("field %q must be an array of strings", field)
		}
		out = append(out, s)
	}
	return out, nil
}

func argStringMap(args map[string]any, field string) (map[string]string, error) {
	v, ok := args[field]
	if !ok || v == nil {
		return nil, nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("field %q must be an object of strings", field)
	}
	out := make(map[string]string, len(raw))
	for k, e := range raw {
		s, ok := e.(string)
		if !ok {
			return nil, fmt.Errorf("field %q.%s must be a string", field, k)
		}
		out[k] = s
	}
	return out, nil
}
