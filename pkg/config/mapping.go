package config

import (
	"fmt"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/plenumlabs/plenum/pkg/llm"
)

type mappingYAML struct {
	Models map[string]string `yaml:"models"`
}

// LoadModelMapping returns the hosted-to-local model name mapping with the
// entries from path merged on top. An empty path returns the builtin
// mapping unchanged.
func LoadModelMapping(path string) (map[string]string, error) {
	mapping := llm.DefaultModelMapping()
	if path == "" {
		return mapping, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewLoadError(path, err)
	}

	var overlay mappingYAML
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	// User-provided entries override builtin ones; unknown models extend.
	if err := mergo.Merge(&mapping, overlay.Models, mergo.WithOverride); err != nil {
		return nil, NewLoadError(path, err)
	}

	return mapping, nil
}
