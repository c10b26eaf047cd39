package translate

import (
	"sort"
	"strings"

	"github.com/clawbridge/clawbridge/internal/gemini"
)

// modelMap translates client-facing Claude model names (after date-suffix
// normalization) to upstream Gemini models.
var modelMap = map[string]string{
	// Claude 4.5 / Gemini 3 generation
	"claude-opus-4-5": "gemini-3-pro-preview",
	"claude-opus-4.5": "gemini-3-pro-preview",

	"claude-sonnet-4-5": "gemini-3-flash-preview",
	"claude-sonnet-4.5": "gemini-3-flash-preview",

	"claude-haiku-4-5": "gemini-2.5-pro",
	"claude-haiku-4.5": "gemini-2.5-pro",

	// Claude 4 / 4.1 generation
	"claude-opus-4-1": "gemini-2.5-pro",
	"claude-opus-4.1": "gemini-2.5-pro",
	"claude-opus-4":   "gemini-2.5-pro",

	"claude-sonnet-4": "gemini-2.5-flash",

	// Claude 3.7 generation
	"claude-3-7-sonnet": "gemini-2.5-flash-lite",
	"claude-3.7-sonnet": "gemini-2.5-flash-lite",
}

// MapModel resolves a client model name to the upstream model. A trailing
// -YYYYMMDD date suffix is stripped before lookup.
func MapModel(clientModel string) (string, error) {
	normalized := stripDateSuffix(clientModel)
	if upstream, ok := modelMap[normalized]; ok {
		return upstream, nil
	}
	return "", gemini.InvalidRequestf("unsupported model: %s. Supported models: %s",
		clientModel, strings.Join(SupportedModels(), ", "))
}

// SupportedModels lists the accepted client model names, sorted.
func SupportedModels() []string {
	names := make([]string, 0, len(modelMap))
	for name := range modelMap {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// stripDateSuffix drops a trailing -YYYYMMDD from a model name.
func stripDateSuffix(model string) string {
	if len(model) <= 9 || model[len(model)-9] != '-' {
		return model
	}
	suffix := model[len(model)-8:]
	for i := 0; i < len(suffix); i++ {
		if suffix[i] < '0' || suffix[i] > '9' {
			return model
		}
	}
	return model[:len(model)-9]
}
