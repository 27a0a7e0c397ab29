package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Do runs fn at most once per key. A completed key returns the stored result
// with executed=false. A claimed but unfinished key returns ErrInFlight. If fn
// fails the claim is released so a later retry can run it.
//
// Usage:
//
//	handle, executed, err := idempotency.Do(ctx, m, proposalID, ttl, dispatch)
func Do[T any](ctx context.Context, m Manager, key string, ttl time.Duration, fn func(ctx context.Context) (T, error)) (result T, executed bool, err error) {
	var zero T

	if cached, found, err := GetTyped[T](ctx, m, key); err != nil {
		return zero, false, err
	} else if found {
		return cached, false, nil
	}

	claimed, err := m.Claim(ctx, key, ttl)
	if err != nil {
		return zero, false, err
	}
	if !claimed {
		// Lost the race to a caller that may have just completed.
		if cached, found, err := GetTyped[T](ctx, m, key); err == nil && found {
			return cached, false, nil
		}
		return zero, false, ErrInFlight
	}

	result, err = fn(ctx)
	if err != nil {
		if relErr := m.Release(context.WithoutCancel(ctx), key); relErr != nil {
			return zero, true, fmt.Errorf("%w (release failed: %v)", err, relErr)
		}
		return zero, true, err
	}
	if err := m.Complete(context.WithoutCancel(ctx), key, result, ttl); err != nil {
		return result, true, err
	}
	return result, true, nil
}

// GetTyped unmarshals a completed key's result into T.
func GetTyped[T any](ctx context.Context, m Manager, key string) (T, bool, error) {
	var zero T
	raw, found, err := m.Get(ctx, key)
	if err != nil || !found {
		return zero, found, err
	}
	var result T
	if err := json.Unmarshal(raw, &result); err != nil {
		return zero, false, fmt.Errorf("unmarshal cached result: %w", err)
	}
	return result, true, nil
}
