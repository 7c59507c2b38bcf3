package policy

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks policy overrides in the environment. A double underscore
// descends into nested keys: SCHED_OPERATING_DAY__START=06:00.
const EnvPrefix = "SCHED_"

// Load reads the policy from an optional YAML or JSON file, applies environment
// overrides, then defaults and validates the result. An empty path means
// environment and defaults only.
func Load(path string) (Policy, error) {
	k := koanf.New(".")
	if strings.TrimSpace(path) != "" {
		var parser koanf.Parser
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return Policy{}, fmt.Errorf("unsupported policy format: %s", filepath.Ext(path))
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Policy{}, fmt.Errorf("load policy file: %w", err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Policy{}, fmt.Errorf("load policy env: %w", err)
	}

	var p Policy
	if err := k.UnmarshalWithConf("", &p, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return Policy{}, fmt.Errorf("decode policy: %w", err)
	}
	p.SetDefaults()
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func envKey(s string) string {
	s = strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}
