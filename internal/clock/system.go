package clock

import (
	"context"
	"time"
)

type SystemClock struct{}

func (SystemClock) Now(ctx context.Context) time.Time {
	if t, ok := FrozenTime(ctx); ok {
		return t
	}
	return time.Now().UTC()
}
