package budget

import "strings"

// TokenRates is the price in USD per 1,000 tokens.
type TokenRates struct {
	InputPer1K  float64
	OutputPer1K float64
}

// DefaultRates apply to models missing from the rate table.
var DefaultRates = TokenRates{InputPer1K: 0.001, OutputPer1K: 0.002}

// rates is keyed by "<provider>_<model>".
var rates = map[string]TokenRates{
	// OpenAI
	"openai_gpt-4":         {0.03, 0.06},
	"openai_gpt-4-turbo":   {0.01, 0.03},
	"openai_gpt-3.5-turbo": {0.001, 0.002},

	// Anthropic
	"anthropic_claude-3-opus":   {0.015, 0.075},
	"anthropic_claude-3-sonnet": {0.003, 0.015},
	"anthropic_claude-3-haiku":  {0.00025, 0.00125},

	// Google
	"google_gemini-pro":   {0.001, 0.002},
	"google_gemini-ultra": {0.01, 0.03},

	// Azure OpenAI
	"azure_gpt-4":        {0.03, 0.06},
	"azure_gpt-35-turbo": {0.001, 0.002},
}

// EstimateCost prices a call from its token counts. known is false when the
// provider/model pair is missing from the table and DefaultRates were used.
func EstimateCost(provider, model string, inputTokens, outputTokens int) (cost float64, known bool) {
	r, known := GetRates(provider, model)
	if !known {
		r = DefaultRates
	}
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	return float64(inputTokens)/1000*r.InputPer1K + float64(outputTokens)/1000*r.OutputPer1K, known
}

// GetRates looks up the table entry for provider and model.
func GetRates(provider, model string) (TokenRates, bool) {
	r, ok := rates[strings.ToLower(provider)+"_"+model]
	return r, ok
}
