// Package source defines the external conversation source capability.
// The monitor treats every failure from it as retryable; only a missing
// configuration is fatal.
package source

import (
	"context"
	"errors"
)

// ErrUnavailable marks a fetch failure that the caller should retry
// with backoff rather than escalate.
var ErrUnavailable = errors.New("conversation source unavailable")

// Ref identifies one conversation discoverable at the source.
type Ref struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Source is the inbound capability required from the environment:
// list candidate conversations and fetch one conversation's raw
// payload. The payload shape is whatever the remote reports; the
// normalizer accepts it as-is.
type Source interface {
	List(ctx context.Context) ([]Ref, error)
	Fetch(ctx context.Context, ref Ref) (any, error)
}
