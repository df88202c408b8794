package sanitize

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// Policy is an optional overlay loaded from YAML. It can only tighten the
// built-in rules: extra whitelisted slash commands, extra denied patterns,
// extra allowed environment keys. Built-ins are never removed.
type Policy struct {
	ExtraCommands []string `yaml:"extra_commands"`
	ExtraPatterns []string `yaml:"extra_patterns"`
	ExtraEnv      []string `yaml:"extra_env"`
}

// LoadPolicy reads a policy overlay from path.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	return &p, nil
}
