package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"taskx/internal/domain"
)

// Typed adapts a function taking a struct to a TaskFunc. The keyword
// arguments are decoded into T through their JSON form, so T's json tags name
// the accepted keys.
func Typed[T any, R any](fn func(ctx context.Context, args T) (R, error)) TaskFunc {
	return func(ctx context.Context, kwargs domain.Payload) (any, error) {
		var args T
		raw, err := json.Marshal(kwargs)
		if err != nil {
			return nil, fmt.Errorf("encode arguments: %w", err)
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("decode arguments: %w", err)
		}
		return fn(ctx, args)
	}
}
