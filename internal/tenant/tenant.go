// Package tenant carries the resolved organisation through request and job contexts.
package tenant

import (
	"context"

	"github.com/google/uuid"
)

type Organisation struct {
	ID   uuid.UUID
	Slug string
}

type ctxKey struct{}

func WithOrganisation(ctx context.Context, org Organisation) context.Context {
	return context.WithValue(ctx, ctxKey{}, org)
}

func FromContext(ctx context.Context) (Organisation, bool) {
	org, ok := ctx.Value(ctxKey{}).(Organisation)
	return org, ok
}
