package auth

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/chainsafe/cspr-bridge-relayer/pkg/app/errors"
	apphttp "github.com/chainsafe/cspr-bridge-relayer/pkg/app/http"
)

type contextKey string

// ContextKeySubject is the context key for the authenticated token subject
const ContextKeySubject contextKey = "subject"

// WithSubject adds the token subject to the context
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, ContextKeySubject, subject)
}

// SubjectFromContext retrieves the token subject from the context
func SubjectFromContext(ctx context.Context) (string, bool) {
	sub, ok := ctx.Value(ContextKeySubject).(string)
	return sub, ok
}

// Middleware rejects requests without a valid bearer token.
func Middleware(v *JWTValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				apphttp.DefaultErrorHandler(w, apperrors.UnAuthorizedError(nil, "bearer token required"))
				return
			}

			claims, err := v.ValidateToken(r.Context(), token)
			if err != nil {
				logger.Warn("Rejected operator request", zap.String("path", r.URL.Path), zap.Error(err))
				apphttp.DefaultErrorHandler(w, apperrors.UnAuthorizedError(err, "invalid token"))
				return
			}

			sub, _ := claims.GetSubject()
			logger.Debug("Operator request authorized", zap.String("subject", sub), zap.String("path", r.URL.Path))
			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), sub)))
		})
	}
}
