// Package meta carries per-operation metadata in a context.Context so every
// log line emitted while serving one lifecycle call can be correlated.
package meta

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type opKey struct{}

// Op describes one administrative operation.
type Op struct {
	ID      string
	Kind    string
	Batch   bool
	Started time.Time
}

// WithOp starts a new operation of the given kind. An operation already in
// ctx is kept, so nested calls share the outer id.
func WithOp(ctx context.Context, kind string, batch bool) (context.Context, Op) {
	if op, ok := OpFrom(ctx); ok {
		return ctx, op
	}
	op := Op{
		ID:      uuid.NewString(),
		Kind:    kind,
		Batch:   batch,
		Started: time.Now(),
	}
	return context.WithValue(ctx, opKey{}, op), op
}

// OpFrom returns the operation stored in ctx.
func OpFrom(ctx context.Context) (Op, bool) {
	if ctx == nil {
		return Op{}, false
	}
	op, ok := ctx.Value(opKey{}).(Op)
	return op, ok
}

// Logger returns the global logger annotated with the operation in ctx.
func Logger(ctx context.Context) *zerolog.Logger {
	op, ok := OpFrom(ctx)
	if !ok {
		l := log.Logger
		return &l
	}
	l := log.With().Str("op", op.Kind).Str("op_id", op.ID).Bool("batch", op.Batch).Logger()
	return &l
}
