package web

import (
	"context"
	"net/http"

	"github.com/JonMunkholm/csvingest/internal/core"
	"github.com/JonMunkholm/csvingest/internal/web/middleware"
)

// WithRequestMetadata adds the client IP and User-Agent to ctx for import logs.
func WithRequestMetadata(ctx context.Context, r *http.Request) context.Context {
	return core.ContextWithClient(ctx, middleware.ClientIP(r), r.UserAgent())
}
