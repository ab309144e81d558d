package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-medintake/internal/domain/intake"
)

// Claims is the bearer token payload. PatientID is optional; when absent the
// patient is looked up from the subject.
type Claims struct {
	jwt.RegisteredClaims
	PatientID string `json:"patient_id,omitempty"`
	Role      string `json:"role,omitempty"`
}

// JWTConfig configures BearerAuth.
type JWTConfig struct {
	Issuer     string
	SigningKey []byte
}

// PatientResolver maps an authenticated user to their patient profile,
// returning uuid.Nil when the user has none.
type PatientResolver interface {
	PatientIDForUser(ctx context.Context, userID string) (uuid.UUID, error)
}

// BearerAuth validates an HS256 bearer token and stores the resulting
// intake.Actor on the request context.
func BearerAuth(cfg JWTConfig, patients PatientResolver, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithExpirationRequired(),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				writeJSONError(w, "missing bearer token", http.StatusUnauthorized)
				return
			}

			claims := &Claims{}
			if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
				return cfg.SigningKey, nil
			}); err != nil {
				logger.Debug("token rejected",
					zap.String("request_id", GetRequestID(r.Context())),
					zap.Error(err))
				writeJSONError(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if claims.Subject == "" {
				writeJSONError(w, "invalid token", http.StatusUnauthorized)
				return
			}

			actor, err := resolveActor(r.Context(), claims, patients)
			if err != nil {
				logger.Error("actor resolution failed",
					zap.String("user_id", claims.Subject),
					zap.Error(err))
				writeJSONError(w, "internal server error", http.StatusInternalServerError)
				return
			}

			ctx := context.WithValue(r.Context(), ActorKey, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	return token, token != ""
}

func resolveActor(ctx context.Context, claims *Claims, patients PatientResolver) (intake.Actor, error) {
	actor := intake.Actor{UserID: claims.Subject, Role: intake.Role(claims.Role)}
	if claims.PatientID != "" {
		id, err := uuid.Parse(claims.PatientID)
		if err != nil {
			return actor, fmt.Errorf("patient_id claim: %w", err)
		}
		actor.PatientID = id
		return actor, nil
	}
	if patients == nil {
		return actor, nil
	}
	id, err := patients.PatientIDForUser(ctx, claims.Subject)
	if err != nil {
		return actor, err
	}
	actor.PatientID = id
	return actor, nil
}

// ErrNoActor is returned by RequireActor on unauthenticated contexts.
var ErrNoActor = errors.New("no authenticated actor")

// ActorFromContext returns the authenticated actor, or the zero Actor.
func ActorFromContext(ctx context.Context) intake.Actor {
	a, _ := ctx.Value(ActorKey).(intake.Actor)
	return a
}

// RequireActor returns the authenticated actor or ErrNoActor.
func RequireActor(ctx context.Context) (intake.Actor, error) {
	a, ok := ctx.Value(ActorKey).(intake.Actor)
	if !ok || a.UserID == "" {
		return intake.Actor{}, ErrNoActor
	}
	return a, nil
}

// WithActor returns ctx carrying actor. Used by tests and internal callers
// that authenticate by other means.
func WithActor(ctx context.Context, actor intake.Actor) context.Context {
	return context.WithValue(ctx, ActorKey, actor)
}
