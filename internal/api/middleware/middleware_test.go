package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/drfirst/go-medintake/internal/domain/intake"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func signToken(t *testing.T, claims Claims, method jwt.SigningMethod) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(testSigningKey)
	require.NoError(t, err)
	return s
}

func validClaims(sub string) Claims {
	return Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   sub,
		Issuer:    "medintake",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
}

type stubResolver struct {
	ids   map[string]uuid.UUID
	err   error
	calls int
}

func (s *stubResolver) PatientIDForUser(_ context.Context, userID string) (uuid.UUID, error) {
	s.calls++
	return s.ids[userID], s.err
}

func serveAuth(t *testing.T, resolver PatientResolver, header string) (*httptest.ResponseRecorder, intake.Actor) {
	t.Helper()
	var seen intake.Actor
	h := BearerAuth(JWTConfig{Issuer: "medintake", SigningKey: testSigningKey}, resolver, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = ActorFromContext(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, seen
}

func TestBearerAuth_ResolvesPatientFromDirectory(t *testing.T) {
	patient := uuid.New()
	resolver := &stubResolver{ids: map[string]uuid.UUID{"user-1": patient}}

	rec, actor := serveAuth(t, resolver, "Bearer "+signToken(t, validClaims("user-1"), jwt.SigningMethodHS256))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, intake.Actor{UserID: "user-1", PatientID: patient}, actor)
	assert.Equal(t, 1, resolver.calls)
}

func TestBearerAuth_PatientClaimSkipsLookup(t *testing.T) {
	patient := uuid.New()
	resolver := &stubResolver{}
	claims := validClaims("user-1")
	claims.PatientID = patient.String()

	rec, actor := serveAuth(t, resolver, "Bearer "+signToken(t, claims, jwt.SigningMethodHS256))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, patient, actor.PatientID)
	assert.Zero(t, resolver.calls)
}

func TestBearerAuth_RoleClaim(t *testing.T) {
	claims := validClaims("pharm-1")
	claims.Role = "pharmacist"

	rec, actor := serveAuth(t, &stubResolver{}, "Bearer "+signToken(t, claims, jwt.SigningMethodHS256))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, intake.RolePharmacist, actor.Role)
	assert.True(t, actor.CanDispense())

	rec, actor = serveAuth(t, &stubResolver{}, "Bearer "+signToken(t, validClaims("user-1"), jwt.SigningMethodHS256))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, actor.CanDispense())
}

func TestBearerAuth_UserWithoutProfile(t *testing.T) {
	rec, actor := serveAuth(t, &stubResolver{}, "Bearer "+signToken(t, validClaims("admin"), jwt.SigningMethodHS256))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, actor.HasPatient())
}

func TestBearerAuth_Rejects(t *testing.T) {
	expired := validClaims("u")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	wrongIssuer := validClaims("u")
	wrongIssuer.Issuer = "someone-else"
	noExpiry := validClaims("u")
	noExpiry.ExpiresAt = nil

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"empty bearer", "Bearer "},
		{"garbage", "Bearer not-a-jwt"},
		{"expired", "Bearer " + signToken(t, expired, jwt.SigningMethodHS256)},
		{"wrong issuer", "Bearer " + signToken(t, wrongIssuer, jwt.SigningMethodHS256)},
		{"no expiry", "Bearer " + signToken(t, noExpiry, jwt.SigningMethodHS256)},
		{"wrong alg", "Bearer " + signToken(t, validClaims("u"), jwt.SigningMethodHS512)},
		{"no subject", "Bearer " + signToken(t, validClaims(""), jwt.SigningMethodHS256)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := serveAuth(t, &stubResolver{}, tt.header)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestBearerAuth_ResolverFailure(t *testing.T) {
	rec, _ := serveAuth(t, &stubResolver{err: errors.New("db down")}, "Bearer "+signToken(t, validClaims("u"), jwt.SigningMethodHS256))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequireActor(t *testing.T) {
	_, err := RequireActor(context.Background())
	assert.ErrorIs(t, err, ErrNoActor)

	a, err := RequireActor(WithActor(context.Background(), intake.Actor{UserID: "u"}))
	require.NoError(t, err)
	assert.Equal(t, "u", a.UserID)
}

type observed struct {
	method, route string
	status        int
}

type captureObserver struct{ got []observed }

func (c *captureObserver) ObserveRequest(method, route string, status int, _ time.Duration) {
	c.got = append(c.got, observed{method, route, status})
}

func TestMetricsUsesRoutePattern(t *testing.T) {
	obs := &captureObserver{}
	r := chi.NewRouter()
	r.Use(Metrics(obs))
	r.Post("/intakes/{id}/toggle", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/intakes/"+uuid.NewString()+"/toggle", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))

	require.Len(t, obs.got, 2)
	assert.Equal(t, observed{"POST", "/intakes/{id}/toggle", http.StatusConflict}, obs.got[0])
	assert.Equal(t, http.StatusNotFound, obs.got[1].status)
}

func TestRequestIDAndRecover(t *testing.T) {
	h := RequestID(Recover(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-1")
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
}
