package imagecache

import "strings"

// per-image list prices in USD
var imagePrices = map[string]map[string]float64{
	"openai": {
		"dall-e-2":    0.02,
		"dall-e-3":    0.04,
		"gpt-image-1": 0.042,
	},
	"google": {
		"imagen-3.0-generate-002":      0.03,
		"imagen-3.0-fast-generate-001": 0.02,
		"imagen-4.0-generate-001":      0.04,
		"imagen-4.0-fast-generate-001": 0.02,
	},
}

var fallbackPrice = map[string]float64{
	"openai": 0.04,
	"google": 0.03,
}

// PricePerImage returns the estimated list price of one image.
func PricePerImage(provider, model string) float64 {
	provider = strings.ToLower(provider)
	if p, ok := imagePrices[provider][strings.ToLower(model)]; ok {
		return p
	}
	return fallbackPrice[provider]
}
