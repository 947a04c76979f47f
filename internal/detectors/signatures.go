package detectors

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SignalWeights assigns relative weight to each fingerprint signal class.
// Only signals a provider defines patterns for count toward its evaluated
// total, so weights compare like-for-like across providers.
type SignalWeights struct {
	Endpoint  float64 `yaml:"endpoint"`
	UserAgent float64 `yaml:"user_agent"`
	Scopes    float64 `yaml:"scopes"`
	IPRange   float64 `yaml:"ip_range"`
	Webhook   float64 `yaml:"webhook"`
	Content   float64 `yaml:"content"`
}

// ProviderSignature fingerprints one AI vendor. Endpoint, user-agent,
// webhook, and content patterns are case-insensitive substrings; scopes are
// exact OAuth scope names; IP ranges are CIDR prefixes.
type ProviderSignature struct {
	Provider        string        `yaml:"provider"`
	Weights         SignalWeights `yaml:"weights"`
	Endpoints       []string      `yaml:"endpoints"`
	UserAgents      []string      `yaml:"user_agents"`
	Scopes          []string      `yaml:"scopes"`
	IPRanges        []string      `yaml:"ip_ranges"`
	WebhookHosts    []string      `yaml:"webhook_hosts"`
	ContentKeywords []string      `yaml:"content_keywords"`
}

// SignatureTable is the versioned set of provider signatures. New vendors
// are added by shipping a new table, not by code changes.
type SignatureTable struct {
	Version   string              `yaml:"version"`
	Providers []ProviderSignature `yaml:"providers"`
}

// LoadSignatureTable reads a signature table from a YAML file.
func LoadSignatureTable(path string) (*SignatureTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signature table: %w", err)
	}
	var table SignatureTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse signature table: %w", err)
	}
	if len(table.Providers) == 0 {
		return nil, fmt.Errorf("signature table %q defines no providers", path)
	}
	return &table, nil
}

// DefaultSignatureTable returns the built-in signature set.
func DefaultSignatureTable() *SignatureTable {
	weights := SignalWeights{
		Endpoint:  0.30,
		UserAgent: 0.20,
		Scopes:    0.15,
		IPRange:   0.10,
		Webhook:   0.10,
		Content:   0.15,
	}
	return &SignatureTable{
		Version: "2026.08",
		Providers: []ProviderSignature{
			{
				Provider:        "anthropic",
				Weights:         weights,
				Endpoints:       []string{"api.anthropic.com"},
				UserAgents:      []string{"anthropic-sdk", "claude-api"},
				Scopes:          []string{"anthropic.messages"},
				IPRanges:        []string{"160.79.104.0/23"},
				WebhookHosts:    []string{"hooks.anthropic.com"},
				ContentKeywords: []string{"claude", "anthropic"},
			},
			{
				Provider:        "cohere",
				Weights:         weights,
				Endpoints:       []string{"api.cohere.com", "api.cohere.ai"},
				UserAgents:      []string{"cohere-go", "cohere-python"},
				Scopes:          []string{"cohere.generate"},
				ContentKeywords: []string{"cohere", "command-r"},
			},
			{
				Provider:        "google_ai",
				Weights:         weights,
				Endpoints:       []string{"generativelanguage.googleapis.com", "aiplatform.googleapis.com"},
				UserAgents:      []string{"google-genai", "vertex-ai"},
				Scopes:          []string{"https://www.googleapis.com/auth/generative-language", "https://www.googleapis.com/auth/cloud-platform"},
				ContentKeywords: []string{"gemini", "vertex ai"},
			},
			{
				Provider:        "huggingface",
				Weights:         weights,
				Endpoints:       []string{"api-inference.huggingface.co", "huggingface.co/api"},
				UserAgents:      []string{"huggingface_hub", "hf-inference"},
				Scopes:          []string{"inference-api"},
				ContentKeywords: []string{"hugging face", "huggingface"},
			},
			{
				Provider:        "mistral",
				Weights:         weights,
				Endpoints:       []string{"api.mistral.ai"},
				UserAgents:      []string{"mistral-client", "mistralai"},
				Scopes:          []string{"mistral.chat"},
				ContentKeywords: []string{"mistral", "codestral"},
			},
			{
				Provider:        "openai",
				Weights:         weights,
				Endpoints:       []string{"api.openai.com", "oaiusercontent.com"},
				UserAgents:      []string{"openai-go", "openai-python", "openai-node"},
				Scopes:          []string{"openai.api"},
				IPRanges:        []string{"23.102.140.112/28", "13.66.11.96/28"},
				WebhookHosts:    []string{"hooks.openai.com"},
				ContentKeywords: []string{"gpt-4", "gpt-5", "chatgpt", "openai"},
			},
			{
				Provider:        "replicate",
				Weights:         weights,
				Endpoints:       []string{"api.replicate.com"},
				UserAgents:      []string{"replicate-go", "replicate-python"},
				Scopes:          []string{"replicate.predictions"},
				WebhookHosts:    []string{"webhook.replicate.com"},
				ContentKeywords: []string{"replicate"},
			},
			{
				Provider:        "together_ai",
				Weights:         weights,
				Endpoints:       []string{"api.together.xyz", "api.together.ai"},
				UserAgents:      []string{"together-go", "together-python"},
				Scopes:          []string{"together.inference"},
				ContentKeywords: []string{"together ai", "together.ai"},
			},
		},
	}
}
