package main

import (
	"fmt"
	"strings"
)

// parsePairs splits each "name<sep>value" argument.
func parsePairs(args []string, sep string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, sep)
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("expected name%svalue, got %q", sep, arg)
		}
		out[name] = strings.TrimSpace(value)
	}
	return out, nil
}

// parseHeaders accepts "Name: value" as well as "Name=value".
func parseHeaders(args []string) (map[string]string, error) {
	normalized := make([]string, len(args))
	for i, arg := range args {
		colon, eq := strings.Index(arg, ":"), strings.Index(arg, "=")
		if colon >= 0 && (eq < 0 || colon < eq) {
			arg = arg[:colon] + "=" + arg[colon+1:]
		}
		normalized[i] = arg
	}
	headers, err := parsePairs(normalized, "=")
	if err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}
	return headers, nil
}
