package models

import "time"

// Providers whose credentials a caller can store. The set is closed on purpose:
// each entry maps to a dedicated credential column.
const (
	ProviderOpenAI  = "openai"
	ProviderMistral = "mistral"
)

// SupportedProviders lists the providers a caller can hold credentials for.
var SupportedProviders = []string{ProviderOpenAI, ProviderMistral}

// IsSupportedProvider reports whether name is in SupportedProviders.
func IsSupportedProvider(name string) bool {
	for _, p := range SupportedProviders {
		if p == name {
			return true
		}
	}
	return false
}

// Caller is the holder of a virtual key
type Caller struct {
	VirtualKey        string            `json:"virtualKey"`
	Credentials       map[string]string `json:"credentials"` // provider -> encrypted credential, "" when unset
	RequestsPerMinute int               `json:"requestsPerMinute"`
	TokensPerMinute   int               `json:"tokensPerMinute"`
	TotalCost         float64           `json:"totalCost"`
}

// Provider is an upstream LLM endpoint family
type Provider struct {
	Name       string
	BaseURL    string
	APIVersion string
	UpdatedAt  time.Time
}

// Model is a named completion model with pricing and an ordered fallback chain
type Model struct {
	Name            string
	Provider        string
	Fallback        []string
	InputCostPer1k  float64
	OutputCostPer1k float64
	UpdatedAt       time.Time
}

// UsageLogEntry is the audit record written once per dispatched request
type UsageLogEntry struct {
	ID           string
	VirtualKey   string
	RequestID    string
	Model        string
	Provider     string
	InputTokens  int
	OutputTokens int
	InputCost    float64
	OutputCost   float64
	TotalCost    float64
	Request      map[string]any
	Response     map[string]any
	CreatedAt    time.Time
	CompletedAt  time.Time
}
