package grpcserver

import (
	"context"

	"github.com/juancabe/sensor-proyect-sub000/internal/model"
)

type ctxKey string

const claimsKey ctxKey = "sensorauth.claims"

// WithClaims stores the verified token claims in context.
func WithClaims(ctx context.Context, c model.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// ClaimsFromCtx fetches the verified claims from context.
func ClaimsFromCtx(ctx context.Context) (model.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(model.Claims)
	return c, ok
}
