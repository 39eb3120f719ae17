package providers

import (
	"math"
	"strings"

	"github.com/ongoingai/llmops/internal/trace"
)

const CurrencyUSD = "USD"

type modelPricing struct {
	inputPer1K  float64
	outputPer1K float64
}

type modelPricingRule struct {
	prefix string
	rates  modelPricing
}

var exactPricing = map[string]modelPricing{
	// USD per 1K tokens.
	"llama-3.1-8b-instant":    {inputPer1K: 0.00005, outputPer1K: 0.00008},
	"llama-3.3-70b-versatile": {inputPer1K: 0.00059, outputPer1K: 0.00079},
	"openai/gpt-oss-120b":     {inputPer1K: 0.00015, outputPer1K: 0.0006},
	"gemini-2.5-flash-lite":   {inputPer1K: 0.0001, outputPer1K: 0.0004},
}

// Dated or suffixed releases of priced models.
var prefixPricing = []modelPricingRule{
	{prefix: "gemini-2.5-flash-lite-", rates: modelPricing{inputPer1K: 0.0001, outputPer1K: 0.0004}},
	{prefix: "llama-3.1-8b-instant-", rates: modelPricing{inputPer1K: 0.00005, outputPer1K: 0.00008}},
	{prefix: "llama-3.3-70b-versatile-", rates: modelPricing{inputPer1K: 0.00059, outputPer1K: 0.00079}},
}

// pricingKey lower-cases the model name and strips the "models/" prefix
// Gemini responses carry.
func pricingKey(model string) string {
	model = strings.ToLower(strings.TrimSpace(model))
	return strings.TrimPrefix(model, "models/")
}

func pricingForModel(model string) (modelPricing, bool) {
	model = pricingKey(model)
	if model == "" {
		return modelPricing{}, false
	}
	if rates, ok := exactPricing[model]; ok {
		return rates, true
	}
	for _, rule := range prefixPricing {
		if strings.HasPrefix(model, rule.prefix) {
			return rule.rates, true
		}
	}
	return modelPricing{}, false
}

// CalculateCost prices a request. Unknown models cost zero and every amount
// is rounded to 6 decimal places.
func CalculateCost(model string, promptTokens, completionTokens int) trace.Cost {
	rates, _ := pricingForModel(model)
	input := (float64(max(promptTokens, 0)) / 1000) * rates.inputPer1K
	output := (float64(max(completionTokens, 0)) / 1000) * rates.outputPer1K
	return trace.Cost{
		InputCostUSD:  RoundUSD(input),
		OutputCostUSD: RoundUSD(output),
		TotalCostUSD:  RoundUSD(input + output),
		Currency:      CurrencyUSD,
	}
}

// CalculateSpanCost returns the rounded total cost for one generation span.
func CalculateSpanCost(model string, promptTokens, completionTokens int) float64 {
	return CalculateCost(model, promptTokens, completionTokens).TotalCostUSD
}

// IsPriced reports whether model has a price table entry.
func IsPriced(model string) bool {
	_, ok := pricingForModel(model)
	return ok
}

// RoundUSD rounds a monetary amount to 6 decimal places.
func RoundUSD(value float64) float64 {
	return math.Round(value*1e6) / 1e6
}
