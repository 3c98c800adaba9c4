package clock

import (
	"context"
	"time"

	"go.uber.org/fx"
)

type Clock interface {
	Now(ctx context.Context) time.Time
}

var Module = fx.Module("clock",
	fx.Provide(func() Clock { return SystemClock{} }),
)

type frozenKey struct{}

// WithFrozenTime pins Now for every clock read made through the returned
// context. Deterministic tests depend on it; production code never sets it.
func WithFrozenTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, frozenKey{}, t.UTC())
}

// FrozenTime reports the pinned time, if any.
func FrozenTime(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(frozenKey{}).(time.Time)
	return t, ok
}
