package util

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONDiff returns the keys that are in obj but not in found in the slice
func JSONDiff(obj map[string]any, found []string) []string {
	diff := make([]string, 0)
	for key := range obj {
		if !SliceContains(found, key) {
			diff = append(diff, key)
		}
	}
	return diff
}

// OrderedObject is a decoded JSON object that remembers the order its keys appeared in.
type OrderedObject struct {
	Keys   []string
	Values map[string]json.RawMessage
}

// DecodeOrderedObject decodes a JSON object keeping the key order of the input.
func DecodeOrderedObject(data []byte) (*OrderedObject, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("error reading object: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected a JSON object")
	}
	res := &OrderedObject{Values: make(map[string]json.RawMessage)}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("error reading key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string key")
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("error reading value for %s: %w", key, err)
		}
		if _, found := res.Values[key]; !found {
			res.Keys = append(res.Keys, key)
		}
		res.Values[key] = raw
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("error reading object end: %w", err)
	}
	return res, nil
}
