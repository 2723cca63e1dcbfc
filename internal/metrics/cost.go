package metrics

// ProviderPricing is a per-million-token cost pair, expressed per 1K tokens
// to match the spec's cost formula directly.
type ProviderPricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// defaultPricing applies to any provider absent from pricingTable: $10/M in
// and $10/M out.
var defaultPricing = ProviderPricing{InputPer1K: 0.01, OutputPer1K: 0.01}

// pricingTable holds known-provider rates. "claude" matches the formula
// called out explicitly: input * $0.03/1K + output * $0.06/1K.
var pricingTable = map[string]ProviderPricing{
	"claude":    {InputPer1K: 0.03, OutputPer1K: 0.06},
	"anthropic": {InputPer1K: 0.03, OutputPer1K: 0.06},
}

// PricingFor returns the pricing for provider, or the default fallback if
// the provider is unknown.
func PricingFor(provider string) ProviderPricing {
	if p, ok := pricingTable[provider]; ok {
		return p
	}
	return defaultPricing
}

// EstimateCost computes the USD cost of an input/output token pair for the
// given provider.
func EstimateCost(provider string, inputTokens, outputTokens int) float64 {
	p := PricingFor(provider)
	return float64(inputTokens)/1000*p.InputPer1K + float64(outputTokens)/1000*p.OutputPer1K
}
