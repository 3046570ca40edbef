package plan

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// defaultMaxParallel bounds a plan that does not set max_parallel.
const defaultMaxParallel = 4

// LoadSpec reads a plan spec from a YAML file.
func LoadSpec(path string) (Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("read plan spec: %w", err)
	}
	return ParseSpec(data)
}

// ParseSpec parses YAML bytes into a Spec and validates it. Unknown
// fields are rejected so a typo in a phase variant surfaces as a parse
// error instead of a silently empty spec.
func ParseSpec(data []byte) (Spec, error) {
	var spec Spec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return Spec{}, fmt.Errorf("parse plan spec: %w", err)
	}
	if spec.MaxParallel <= 0 {
		spec.MaxParallel = defaultMaxParallel
	}
	if err := Validate(spec); err != nil {
		return Spec{}, err
	}
	return spec, nil
}
