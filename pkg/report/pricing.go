// Package report is the control-plane side of the system: the persistent
// status registry, job launching and monitoring, cache invalidation and
// cost estimation.
package report

import (
	"fmt"
	"regexp"
	"strings"
)

// Rate is USD per million tokens.
type Rate struct {
	Input  float64
	Output float64
}

var pricingTable = map[string]map[string]Rate{
	"openai": {
		"gpt-4o-mini": {Input: 0.15, Output: 0.60},
		"gpt-4o":      {Input: 2.50, Output: 10.00},
		"o3-mini":     {Input: 1.10, Output: 4.40},
	},
	"azure": {
		"gpt-4o-mini": {Input: 0.15, Output: 0.60},
		"gpt-4o":      {Input: 2.50, Output: 10.00},
		"o3-mini":     {Input: 1.10, Output: 4.40},
	},
	"openrouter": {
		"gpt-4o-mini": {Input: 0.15, Output: 0.60},
		"gpt-4o":      {Input: 2.50, Output: 10.00},
		"o3-mini":     {Input: 1.10, Output: 4.40},
	},
	"gemini": {
		"gemini-1.5-pro":   {Input: 1.25, Output: 5.00},
		"gemini-1.5-flash": {Input: 0.075, Output: 0.30},
		"gemini-2.0-flash": {Input: 0.10, Output: 0.40},
	},
}

var geminiSuffixRe = regexp.MustCompile(`-(latest|exp|\d{3}|\d{8})$`)

// normalizeGeminiModel maps the many aliases of a Gemini model onto its
// pricing key: drops the models/ prefix, version and date suffixes, and
// collapses the shorthand names.
func normalizeGeminiModel(model string) string {
	model = strings.TrimPrefix(model, "models/")
	for {
		stripped := geminiSuffixRe.ReplaceAllString(model, "")
		if stripped == model {
			break
		}
		model = stripped
	}
	switch model {
	case "gemini-pro":
		return "gemini-1.5-pro"
	case "gemini-flash":
		return "gemini-1.5-flash"
	}
	return model
}

// Cost estimates the USD cost of a job. Unknown provider/model pairs cost
// zero rather than guessing.
func Cost(provider, model string, inputTokens, outputTokens int) float64 {
	if provider == "gemini" {
		model = normalizeGeminiModel(model)
	}
	rate := pricingTable[provider][model]
	return float64(inputTokens)/1e6*rate.Input + float64(outputTokens)/1e6*rate.Output
}

// FormatCost renders a cost for display.
func FormatCost(cost float64) string {
	return fmt.Sprintf("$%.4f", cost)
}
