// Package yamlutil wraps yaml.v3 decoding with the strict settings the
// config loader requires.
package yamlutil

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// UnmarshalStrict decodes YAML rejecting unknown fields, so a typo in a
// config key fails at load time instead of being silently ignored.
func UnmarshalStrict(data []byte, v any) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	if err := decoder.Decode(v); err != nil {
		msg := err.Error()
		if strings.Contains(msg, "field") && strings.Contains(msg, "not found") {
			return fmt.Errorf("unknown configuration field (check for typos): %w", err)
		}
		return err
	}
	return nil
}
