package stage

import (
	"github.com/craftcard/craftcard/runtime/craft/generate"
)

// NewPipeline returns a registry holding the five craft stages backed by gen.
func NewPipeline(gen generate.Client) *Registry {
	r := NewRegistry()
	// Registration of distinct, non-reserved ids cannot fail.
	_ = r.Register(Clarify, &ClarifyStage{Gen: gen})
	_ = r.Register(Outline, &OutlineStage{Gen: gen})
	_ = r.Register(Draft, &DraftStage{Gen: gen})
	_ = r.Register(Review, &ReviewStage{Gen: gen})
	_ = r.Register(Finalize, &FinalizeStage{Gen: gen})
	return r
}
