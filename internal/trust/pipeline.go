package trust

import (
	"context"

	"github.com/mining-wb/MM-TrustBench/pkg/types"
)

// Predictor is the model-calling capability. Implementations must not
// fail: on any error they return FailureSentinel, and they own their own
// timeout and retry policy.
type Predictor interface {
	Predict(ctx context.Context, img types.Image, prompt string) string
}

// PredictorFunc adapts a function to Predictor.
type PredictorFunc func(ctx context.Context, img types.Image, prompt string) string

func (f PredictorFunc) Predict(ctx context.Context, img types.Image, prompt string) string {
	return f(ctx, img, prompt)
}

// Pipeline composes the prompt, a Predictor and the extractor. It holds no
// state between calls and is safe for concurrent use if its Predictor is.
type Pipeline struct {
	predictor Predictor
}

func NewPipeline(p Predictor) *Pipeline {
	return &Pipeline{predictor: p}
}

// Process asks the model one question about img and returns the gated
// verdict. It always returns a Verdict; a panicking Predictor is treated as
// a transport failure.
func (p *Pipeline) Process(ctx context.Context, img types.Image, question string) types.Verdict {
	prompt := BuildPrompt(question)
	return Extract(p.predict(ctx, img, prompt))
}

func (p *Pipeline) predict(ctx context.Context, img types.Image, prompt string) (raw string) {
	if p == nil || p.predictor == nil {
		return FailureSentinel
	}
	defer func() {
		if recover() != nil {
			raw = FailureSentinel
		}
	}()
	return p.predictor.Predict(ctx, img, prompt)
}
