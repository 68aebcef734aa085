package usage

import (
	"log"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// heuristicModels are counted as ceil(length/4) instead of with a BPE encoding.
var heuristicModels = map[string]bool{
	"mistral-tiny":   true,
	"mistral-small":  true,
	"mistral-medium": true,
	"mistral-large":  true,
}

func init() {
	// Encodings ship with the binary instead of being downloaded on first use.
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Estimator counts tokens for a model/text pair. Encodings are resolved once
// per model name and kept in an LRU; models without an encoding are cached
// as nil so the lookup is not repeated.
type Estimator struct {
	encodings *lru.Cache[string, *tiktoken.Tiktoken]
}

// NewEstimator creates an Estimator caching up to size model encodings.
func NewEstimator(size int) (*Estimator, error) {
	cache, err := lru.New[string, *tiktoken.Tiktoken](size)
	if err != nil {
		return nil, err
	}
	return &Estimator{encodings: cache}, nil
}

// Estimate returns the token count of text for model. It never fails: a
// model with no known encoding counts as 0 tokens.
func (e *Estimator) Estimate(model, text string) int {
	if heuristicModels[model] {
		return (utf16Len(text) + 3) / 4
	}

	enc := e.encoding(model)
	if enc == nil {
		return 0
	}
	return len(enc.Encode(text, nil, nil))
}

func (e *Estimator) encoding(model string) *tiktoken.Tiktoken {
	if enc, ok := e.encodings.Get(model); ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		log.Printf("no token encoding for model %s: %v", model, err)
		enc = nil
	}
	e.encodings.Add(model, enc)
	return enc
}

// utf16Len is the string length in UTF-16 code units, which is how the
// character heuristic has always been measured.
func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}
