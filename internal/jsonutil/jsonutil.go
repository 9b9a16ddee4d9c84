// Package jsonutil provides helper functions for extracting typed values
// from unstructured JSON maps (map[string]any).
package jsonutil

import "strings"

// StringFromAny safely converts any value to string.
func StringFromAny(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// StringFromMap extracts a string from a map by key.
func StringFromMap(data map[string]interface{}, key string) string {
	if v, ok := data[key]; ok {
		return StringFromAny(v)
	}
	return ""
}

// MapFromMap extracts a nested object from a map by key.
func MapFromMap(data map[string]interface{}, key string) map[string]interface{} {
	if v, ok := data[key]; ok {
		if m, ok := v.(map[string]interface{}); ok {
			return m
		}
	}
	return nil
}

// PathString walks a dotted path of nested objects and returns the string
// at the leaf, or "" when any segment is missing or of the wrong type.
func PathString(data map[string]interface{}, path string) string {
	segments := strings.Split(path, ".")
	current := data
	for i, seg := range segments {
		if current == nil {
			return ""
		}
		if i == len(segments)-1 {
			return StringFromMap(current, seg)
		}
		current = MapFromMap(current, seg)
	}
	return ""
}

// FindString walks the value tree depth-first and returns a string for
// which match returns true, or "" when none does. Array elements are
// visited in order and object members in Go's map iteration order, so
// when several strings match, which one is returned is not defined.
func FindString(v interface{}, match func(string) bool) string {
	switch val := v.(type) {
	case string:
		if match(val) {
			return val
		}
	case map[string]interface{}:
		for _, inner := range val {
			if s := FindString(inner, match); s != "" {
				return s
			}
		}
	case []interface{}:
		for _, inner := range val {
			if s := FindString(inner, match); s != "" {
				return s
			}
		}
	}
	return ""
}
