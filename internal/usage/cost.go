package usage

import (
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/infergate/infergate/internal/catalog"
)

// Default pricing in USD per million tokens, keyed by model name prefix.
var defaultPrices = []struct {
	prefix string
	input  float64
	output float64
}{
	{"gpt-4", 30.0, 60.0},
	{"gpt-4-vision", 30.0, 60.0},
	{"gpt-4-turbo", 10.0, 30.0},
	{"gpt-4o", 5.0, 15.0},
	{"gpt-4o-mini", 2.0, 6.0},
	{"gpt-3.5-turbo", 0.5, 1.5},
	{"text-embedding-3-small", 0.2, 0.0},
	{"text-embedding-3-large", 1.0, 0.0},
	{"dall-e-3", 0.0, 0.0},

	{"claude-3-opus", 15.0, 75.0},
	{"claude-3-sonnet", 3.0, 15.0},
	{"claude-3-haiku", 0.25, 1.25},

	{"gemini-pro", 0.5, 1.5},
	{"gemini-pro-vision", 0.5, 1.5},
	{"gemini-1.5-pro", 3.5, 10.5},

	{"mistral-small", 1.0, 3.0},
	{"mistral-medium", 2.7, 8.1},
	{"mistral-large", 8.0, 24.0},
}

const (
	fallbackInputPrice  = 1.0
	fallbackOutputPrice = 3.0
)

// Calculator prices token usage. Models found in the catalog use their
// configured price; everything else falls back to the built-in table,
// matched by the longest prefix so e.g. gpt-4o-mini is not priced as gpt-4.
type Calculator struct {
	catalog *catalog.Catalog
}

// NewCalculator builds a calculator. cat may be nil, in which case only the
// built-in table is consulted.
func NewCalculator(cat *catalog.Catalog) *Calculator {
	return &Calculator{catalog: cat}
}

func (c *Calculator) Cost(model string, inputTokens, outputTokens int) float64 {
	if c.catalog != nil {
		if def, ok := c.catalog.Get(model); ok {
			return tokenCost(inputTokens, def.Price.InputPerMillion) +
				tokenCost(outputTokens, def.Price.OutputPerMillion)
		}
	}

	log.Warn().Str("model", model).Msg("Model not in catalog, using default pricing")
	in, out := defaultPricing(model)
	return tokenCost(inputTokens, in) + tokenCost(outputTokens, out)
}

func tokenCost(tokens int, pricePerMillion float64) float64 {
	return float64(tokens) / 1_000_000 * pricePerMillion
}

func defaultPricing(model string) (float64, float64) {
	best := -1
	for i, p := range defaultPrices {
		if !strings.HasPrefix(model, p.prefix) {
			continue
		}
		if best == -1 || len(p.prefix) > len(defaultPrices[best].prefix) {
			best = i
		}
	}
	if best == -1 {
		log.Warn().Str("model", model).Msg("No pricing found for model, using fallback pricing")
		return fallbackInputPrice, fallbackOutputPrice
	}
	return defaultPrices[best].input, defaultPrices[best].output
}
