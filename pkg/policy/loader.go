package policy

import (
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// SupportedVersion is written into new policy documents.
const SupportedVersion = "1.0.0"

// supportedRange is the document versions this engine understands.
const supportedRange = "^1.0.0"

// LoadFile reads and validates a YAML policy document.
func LoadFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("load policy %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML policy document and validates it.
func Parse(data []byte) (Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := CheckVersion(p.Version); err != nil {
		return Policy{}, err
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// CheckVersion accepts an empty version (treated as current) or any
// version in the supported major line.
func CheckVersion(v string) error {
	if v == "" {
		return nil
	}
	version, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("policy: invalid version %q: %w", v, err)
	}
	constraint, err := semver.NewConstraint(supportedRange)
	if err != nil {
		return fmt.Errorf("policy: constraint: %w", err)
	}
	if !constraint.Check(version) {
		return fmt.Errorf("policy: version %s is outside supported range %s", version, supportedRange)
	}
	return nil
}
