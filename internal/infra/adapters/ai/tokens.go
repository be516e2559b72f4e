package ai

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Provider-prefix fallbacks for models tiktoken has no native mapping for.
// Non-OpenAI models are counted with cl100k_base, which tracks their real
// tokenizers closely enough for billing estimates and progress reporting.
var prefixEncodings = map[string]string{
	"gpt-4o":   "o200k_base",
	"gpt-4":    "cl100k_base",
	"gpt-3.5":  "cl100k_base",
	"claude":   "cl100k_base",
	"gemini":   "cl100k_base",
	"llama":    "cl100k_base",
	"mistral":  "cl100k_base",
	"deepseek": "cl100k_base",
}

var (
	encMu    sync.Mutex
	encCache = map[string]*tiktoken.Tiktoken{}
)

func encodingFor(model string) *tiktoken.Tiktoken {
	// Strip an openrouter-style "provider/" prefix before lookup.
	if i := strings.LastIndexByte(model, '/'); i >= 0 {
		model = model[i+1:]
	}
	model = strings.ToLower(model)

	encMu.Lock()
	defer encMu.Unlock()
	if tk, ok := encCache[model]; ok {
		return tk
	}

	tk, err := tiktoken.EncodingForModel(model)
	if err != nil {
		name := "cl100k_base"
		for prefix, enc := range prefixEncodings {
			if strings.HasPrefix(model, prefix) {
				name = enc
				break
			}
		}
		tk, err = tiktoken.GetEncoding(name)
		if err != nil {
			tk = nil
		}
	}
	encCache[model] = tk
	return tk
}

// EstimateTokens counts tokens in text with the encoding matching model.
// Falls back to the chars/4 heuristic if no encoding can be loaded.
func EstimateTokens(model, text string) int {
	if text == "" {
		return 0
	}
	if tk := encodingFor(model); tk != nil {
		return len(tk.Encode(text, nil, nil))
	}
	n := (len(text) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}
