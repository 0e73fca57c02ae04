package chain

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// EndpointDefinitions models the structure of configs/endpoints.yaml.
type EndpointDefinitions struct {
	Endpoints map[string]EndpointDefinition `yaml:"endpoints"`
}

// EndpointDefinition describes a single network endpoint definition.
type EndpointDefinition struct {
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	Description string `yaml:"description"`
}

// LoadEndpointDefinitions parses the YAML file containing endpoint metadata.
func LoadEndpointDefinitions(path string) (EndpointDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return EndpointDefinitions{Endpoints: map[string]EndpointDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return EndpointDefinitions{}, fmt.Errorf("读取链端点配置失败: %w", err)
	}

	var defs EndpointDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return EndpointDefinitions{}, fmt.Errorf("解析链端点配置失败: %w", err)
	}
	if defs.Endpoints == nil {
		defs.Endpoints = map[string]EndpointDefinition{}
	}
	return defs, nil
}
