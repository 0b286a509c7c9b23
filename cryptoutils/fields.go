package cryptoutils

import (
	"encoding/json"
	"fmt"
)

// SerializeFields encodes a field map as a JSON object. Keys are emitted in
// sorted order, so equal maps always serialize to equal bytes.
func SerializeFields(fields map[string]string) []byte {
	if fields == nil {
		fields = map[string]string{}
	}
	// Marshalling a map[string]string cannot fail.
	data, _ := json.Marshal(fields)
	return data
}

// DeserializeFields decodes a field map. Non-string members are dropped.
func DeserializeFields(data []byte) (map[string]string, error) {
	fields := make(map[string]string)
	if len(data) == 0 {
		return fields, nil
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse fields: %w", err)
	}
	for key, value := range raw {
		if s, ok := value.(string); ok {
			fields[key] = s
		}
	}
	return fields, nil
}
