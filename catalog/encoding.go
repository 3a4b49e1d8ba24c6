package catalog

import (
	"strings"

	gojson "github.com/goccy/go-json"
)

// Option maps and partition column lists are stored as JSON text columns.

func encodeStringMap(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	data, err := gojson.Marshal(m)
	return string(data), err
}

func decodeStringMap(s string) (map[string]string, error) {
	var m map[string]string
	if err := gojson.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func encodeStringSlice(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	data, err := gojson.Marshal(v)
	return string(data), err
}

func decodeStringSlice(s string) ([]string, error) {
	var v []string
	if err := gojson.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
