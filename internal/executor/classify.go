package executor

import (
	"context"
	"errors"

	"github.com/lodestar-ai/lodestar/internal/types"
)

// classify folds a raw attempt error into the structured record kept on
// AllProvidersFailedError. Provider adapters mark their own errors as
// transient or permanent; anything unclassified is treated as transient
// so the chain keeps trying.
func classify(ref types.ModelRef, err error) types.AttemptError {
	out := types.AttemptError{
		Provider:  ref.Provider,
		Model:     ref.Model,
		Transient: true,
		Err:       err,
		Message:   err.Error(),
	}

	var provErr *types.ProviderError
	if errors.As(err, &provErr) {
		out.Transient = provErr.Transient
		return out
	}

	var removed *types.ProviderRemovedError
	if errors.As(err, &removed) {
		// A removed provider is permanent for this ref, but the chain
		// should still move on to the next one.
		out.Transient = true
		return out
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		out.Transient = true
	}
	return out
}
