package provider

import "log/slog"

// ollamaModelMap translates externally-facing model ids to their local
// Ollama equivalents. Unmapped ids fall back to the default local model
// rather than failing: a wrong-but-working model beats no answer for
// draft-quality content.
var ollamaModelMap = map[string]string{
	"meta-llama/llama-3.2-90b":          "llama3.2",
	"meta-llama/llama-3.2-11b":          "llama3.2",
	"meta-llama/llama-3.1-70b-instruct": "llama3.1",
	"meta-llama/llama-3.1-8b-instruct":  "llama3.1:8b",
	"anthropic/claude-3.5-sonnet":       "llama3.1",
	"anthropic/claude-3-haiku":          "llama3.2",
	"openai/gpt-4o":                     "llama3.1",
	"openai/gpt-4o-mini":                "llama3.2",
	"mistralai/mistral-7b-instruct":     "mistral",
	"google/gemma-2-9b":                 "gemma2",
}

// defaultOllamaModel serves unmapped ids on the local backend.
const defaultOllamaModel = "llama3.2"

// MapToOllamaModel returns the local equivalent of an externally-facing
// model id.
func MapToOllamaModel(requested string) string {
	if local, ok := ollamaModelMap[requested]; ok {
		return local
	}
	return defaultOllamaModel
}

// AppropriateModel resolves the model id to send to the given provider.
// The local backend gets the mapped equivalent (logged, so substitutions
// are visible in traces); every other backend gets the requested id
// unchanged.
func AppropriateModel(p Provider, requested string, logger *slog.Logger) string {
	if p.Name() != NameOllama {
		return requested
	}
	local := MapToOllamaModel(requested)
	if local != requested {
		logger.Info("provider: substituting local model", "requested", requested, "using", local)
	}
	return local
}
