package provider

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Kind identifies a provider family. Families share request adaptation and
// header requirements.
type Kind string

const (
	KindOpenAI     Kind = "openai"
	KindCopilot    Kind = "copilot"
	KindClaude     Kind = "claude"
	KindOpenRouter Kind = "openrouter"
	KindDashScope  Kind = "dashscope"
	KindLocal      Kind = "local"
)

// Profile describes one provider's contract: auth shape, request path,
// temperature bounds, and structural quirks. Profiles are process-wide and
// read-only after Load.
type Profile struct {
	Name                   string     `yaml:"name"`
	Kind                   Kind       `yaml:"kind"`
	AuthHeader             string     `yaml:"auth_header"`
	AuthTemplate           string     `yaml:"auth_template"`
	PathSuffix             string     `yaml:"path_suffix"`
	TemperatureRange       [2]float64 `yaml:"temperature_range"`
	SupportsTools          bool       `yaml:"supports_tools"`
	RequiresCopilotHeaders bool       `yaml:"requires_copilot_headers"`
	RequiresSamConfig      bool       `yaml:"requires_sam_config"`
	SupportsRoleTool       bool       `yaml:"supports_role_tool"`
}

// builtinProfiles is the frozen provider table. The Copilot family always
// posts to /chat/completions regardless of base URL shape.
var builtinProfiles = map[string]Profile{
	"openai": {
		Name:             "openai",
		Kind:             KindOpenAI,
		AuthHeader:       "Authorization",
		AuthTemplate:     "Bearer %s",
		PathSuffix:       "/chat/completions",
		TemperatureRange: [2]float64{0.0, 2.0},
		SupportsTools:    true,
		SupportsRoleTool: true,
	},
	"copilot": {
		Name:                   "copilot",
		Kind:                   KindCopilot,
		AuthHeader:             "Authorization",
		AuthTemplate:           "Bearer %s",
		PathSuffix:             "/chat/completions",
		TemperatureRange:       [2]float64{0.0, 1.0},
		SupportsTools:          true,
		RequiresCopilotHeaders: true,
		SupportsRoleTool:       true,
	},
	"claude": {
		Name:             "claude",
		Kind:             KindClaude,
		AuthHeader:       "Authorization",
		AuthTemplate:     "Bearer %s",
		PathSuffix:       "/chat/completions",
		TemperatureRange: [2]float64{0.0, 1.0},
		SupportsTools:    true,
		SupportsRoleTool: true,
	},
	"openrouter": {
		Name:             "openrouter",
		Kind:             KindOpenRouter,
		AuthHeader:       "Authorization",
		AuthTemplate:     "Bearer %s",
		PathSuffix:       "/chat/completions",
		TemperatureRange: [2]float64{0.0, 2.0},
		SupportsTools:    true,
		SupportsRoleTool: true,
	},
	"dashscope": {
		Name:              "dashscope",
		Kind:              KindDashScope,
		AuthHeader:        "Authorization",
		AuthTemplate:      "Bearer %s",
		PathSuffix:        "/chat/completions",
		TemperatureRange:  [2]float64{0.0, 2.0},
		SupportsTools:     true,
		RequiresSamConfig: true,
		SupportsRoleTool:  true,
	},
	// Local OpenAI-compatible servers (llama.cpp, vLLM, Ollama) often reject
	// role=tool messages and tool definitions outright.
	"local": {
		Name:             "local",
		Kind:             KindLocal,
		AuthHeader:       "Authorization",
		AuthTemplate:     "Bearer %s",
		PathSuffix:       "/chat/completions",
		TemperatureRange: [2]float64{0.0, 2.0},
		SupportsTools:    false,
		SupportsRoleTool: false,
	},
}

// Registry resolves provider names to profiles. An optional overlay file
// (providers.yaml) can add or override entries.
type Registry struct {
	profiles map[string]Profile
}

// NewRegistry returns a registry with the builtin table.
func NewRegistry() *Registry {
	profiles := make(map[string]Profile, len(builtinProfiles))
	for k, v := range builtinProfiles {
		profiles[k] = v
	}
	return &Registry{profiles: profiles}
}

// LoadOverlay merges profile overrides from a YAML file. Missing file is not
// an error; a malformed one is.
func (r *Registry) LoadOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read provider overlay: %w", err)
	}

	var overlay struct {
		Providers []Profile `yaml:"providers"`
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse provider overlay: %w", err)
	}

	for _, p := range overlay.Providers {
		if p.Name == "" {
			continue
		}
		if p.PathSuffix == "" {
			p.PathSuffix = "/chat/completions"
		}
		r.profiles[p.Name] = p
	}
	return nil
}

// ProfileFor returns the profile for a logical provider name.
func (r *Registry) ProfileFor(name string) (Profile, bool) {
	p, ok := r.profiles[name]
	return p, ok
}

// ProfileForKind returns the first profile matching a kind. Kinds map 1:1 to
// builtin profiles; overlays may shadow them.
func (r *Registry) ProfileForKind(kind Kind) (Profile, bool) {
	for _, p := range r.profiles {
		if p.Kind == kind {
			return p, true
		}
	}
	return Profile{}, false
}

// Adapt rewrites a request payload in place for a provider's quirks:
// temperature is clamped into the supported range, tools are removed when
// unsupported, and sam_config is inserted where the provider requires it.
// Adapt is idempotent.
func Adapt(payload map[string]any, profile Profile) {
	if t, ok := payload["temperature"].(float64); ok {
		lo, hi := profile.TemperatureRange[0], profile.TemperatureRange[1]
		if t < lo {
			payload["temperature"] = lo
		} else if t > hi {
			payload["temperature"] = hi
		}
	}

	if !profile.SupportsTools {
		delete(payload, "tools")
	}

	if profile.RequiresSamConfig {
		payload["sam_config"] = map[string]any{"bypass_processing": true}
	}
}
