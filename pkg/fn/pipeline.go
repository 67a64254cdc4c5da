package fn

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

// Stage transforms an In into a Result[Out] under a context. Pipelines are
// built by composing stages with Then.
type Stage[In, Out any] func(context.Context, In) Result[Out]

// Then composes two stages into one. The second stage only runs when the
// first succeeds; each side gets its own span.
func Then[A, B, C any](first Stage[A, B], second Stage[B, C]) Stage[A, C] {
	return func(ctx context.Context, a A) Result[C] {
		lctx, lspan := otel.Tracer("pkg/fn").Start(ctx, "stage.left")
		r := first(lctx, a)
		lspan.End()
		v, err := r.Unwrap()
		if err != nil {
			return Err[C](err)
		}
		rctx, rspan := otel.Tracer("pkg/fn").Start(ctx, "stage.right")
		defer rspan.End()
		return second(rctx, v)
	}
}

// TapStage observes the value flowing through without changing it. Useful
// for logging and metrics between stages.
func TapStage[T any](f func(context.Context, T)) Stage[T, T] {
	return func(ctx context.Context, t T) Result[T] {
		f(ctx, t)
		return Ok(t)
	}
}

// TracedStage wraps a stage in a named span and records any failure on it.
func TracedStage[In, Out any](name string, stage Stage[In, Out]) Stage[In, Out] {
	return func(ctx context.Context, in In) Result[Out] {
		ctx, span := otel.Tracer("pkg/fn").Start(ctx, name)
		defer span.End()
		r := stage(ctx, in)
		if _, err := r.Unwrap(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return r
	}
}
