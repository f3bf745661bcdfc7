package authority

import (
	"context"

	"github.com/nyx-relay/broker/pkg/crypto"
	"github.com/nyx-relay/broker/pkg/models"
)

type contextKey int

const (
	clientContextKey contextKey = iota
	claimsContextKey
)

func withClient(ctx context.Context, c *models.Client) context.Context {
	return context.WithValue(ctx, clientContextKey, c)
}

func clientFromContext(ctx context.Context) (*models.Client, bool) {
	c, ok := ctx.Value(clientContextKey).(*models.Client)
	return c, ok
}

func withClaims(ctx context.Context, c *crypto.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, c)
}

func claimsFromContext(ctx context.Context) (*crypto.Claims, bool) {
	c, ok := ctx.Value(claimsContextKey).(*crypto.Claims)
	return c, ok
}
