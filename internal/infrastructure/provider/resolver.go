package provider

import (
	"fmt"
	"strings"
)

// Resolve maps a logical provider name or a base URL to a provider kind and
// the /models discovery URL for that endpoint.
//
// Resolution order: logical names, then known URL substrings, then any
// http(s) URL as a generic OpenAI-compatible endpoint. For URLs the models
// path is the base with trailing slashes and a trailing /v1 stripped,
// plus /models.
func Resolve(baseURLOrName string) (Kind, string, error) {
	s := strings.TrimSpace(baseURLOrName)
	if s == "" {
		return "", "", fmt.Errorf("empty provider")
	}

	switch strings.ToLower(s) {
	case "openai":
		return KindOpenAI, "https://api.openai.com/v1/models", nil
	case "copilot", "github", "github-copilot":
		return KindCopilot, "https://api.githubcopilot.com/models", nil
	case "claude":
		return KindClaude, "https://api.anthropic.com/v1/models", nil
	case "openrouter":
		return KindOpenRouter, "https://openrouter.ai/api/v1/models", nil
	case "dashscope":
		return KindDashScope, "https://dashscope.aliyuncs.com/compatible-mode/v1/models", nil
	case "local":
		return KindLocal, "http://localhost:8080/v1/models", nil
	}

	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return "", "", fmt.Errorf("unknown provider %q", baseURLOrName)
	}

	lower := strings.ToLower(s)
	kind := KindOpenAI
	switch {
	case strings.Contains(lower, "copilot"):
		kind = KindCopilot
	case strings.Contains(lower, "anthropic") || strings.Contains(lower, "claude"):
		kind = KindClaude
	case strings.Contains(lower, "openrouter"):
		kind = KindOpenRouter
	case strings.Contains(lower, "dashscope") || strings.Contains(lower, "aliyuncs"):
		kind = KindDashScope
	case strings.Contains(lower, "localhost:8080") || strings.Contains(lower, "127.0.0.1:8080"):
		kind = KindLocal
	case strings.Contains(lower, "openai"):
		kind = KindOpenAI
	}

	return kind, modelsURL(s), nil
}

// modelsURL derives the /models discovery URL from a base URL: trailing
// slashes and a trailing /v1 are stripped before /models is appended.
func modelsURL(base string) string {
	b := strings.TrimRight(base, "/")
	b = strings.TrimSuffix(b, "/v1")
	return b + "/models"
}

// CompletionsURL derives the chat-completions endpoint for a base URL and
// profile. The Copilot family ignores custom path suffixes.
func CompletionsURL(base string, profile Profile) string {
	b := strings.TrimRight(base, "/")
	if profile.Kind == KindCopilot {
		return b + "/chat/completions"
	}
	suffix := profile.PathSuffix
	if suffix == "" {
		suffix = "/chat/completions"
	}
	if !strings.HasPrefix(suffix, "/") {
		suffix = "/" + suffix
	}
	return b + suffix
}
