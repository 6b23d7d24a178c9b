package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

const testKeyID = "compliance-test-key"

func validClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "dpo-1",
			Issuer:    "https://idp.hospital.test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: "hospital_sp",
		Roles:    []string{RoleDPO},
		Name:     "Maria DPO",
	}
}

func signHS256(t *testing.T, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSigningKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func runMiddleware(t *testing.T, mw echo.MiddlewareFunc, header string) (echo.Context, error, bool) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/incidents", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	called := false
	err := mw(func(c echo.Context) error {
		called = true
		return nil
	})(c)
	return c, err, called
}

func assertStatus(t *testing.T, err error, code int) {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T (%v)", err, err)
	}
	if he.Code != code {
		t.Errorf("expected %d, got %d", code, he.Code)
	}
}

func TestJWTMiddleware_RejectsBadHeaders(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})
	for _, header := range []string{"", "Token abc", "Bearer", "Bearer ", "Basic dXNlcjpwYXNz"} {
		_, err, called := runMiddleware(t, mw, header)
		if called {
			t.Errorf("handler called for header %q", header)
		}
		assertStatus(t, err, http.StatusUnauthorized)
	}
}

func TestJWTMiddleware_ValidHS256Token(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Issuer: "https://idp.hospital.test"})
	c, err, called := runMiddleware(t, mw, "Bearer "+signHS256(t, validClaims()))
	if err != nil || !called {
		t.Fatalf("expected success, got err=%v called=%v", err, called)
	}

	ctx := c.Request().Context()
	if UserIDFromContext(ctx) != "dpo-1" {
		t.Errorf("unexpected user id %q", UserIDFromContext(ctx))
	}
	if UserNameFromContext(ctx) != "Maria DPO" {
		t.Errorf("unexpected user name %q", UserNameFromContext(ctx))
	}
	if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != RoleDPO {
		t.Errorf("unexpected roles %v", roles)
	}
	if c.Get("jwt_tenant_id") != "hospital_sp" {
		t.Errorf("expected tenant from claims, got %v", c.Get("jwt_tenant_id"))
	}
}

func TestJWTMiddleware_WrongIssuer(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Issuer: "https://other.test"})
	_, err, _ := runMiddleware(t, mw, "Bearer "+signHS256(t, validClaims()))
	assertStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	claims := validClaims()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})
	_, err, _ := runMiddleware(t, mw, "Bearer "+signHS256(t, claims))
	assertStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_MissingExpiry(t *testing.T) {
	claims := validClaims()
	claims.ExpiresAt = nil
	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})
	_, err, _ := runMiddleware(t, mw, "Bearer "+signHS256(t, claims))
	assertStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_NoKeyfunc(t *testing.T) {
	_, err, _ := runMiddleware(t, JWTMiddleware(JWTConfig{}), "Bearer abc.def.ghi")
	assertStatus(t, err, http.StatusServiceUnavailable)
}

func TestJWTMiddleware_Skipper(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Skipper: func(echo.Context) bool { return true }})
	_, err, called := runMiddleware(t, mw, "")
	if err != nil || !called {
		t.Errorf("expected skipped request to pass, got err=%v", err)
	}
}

func jwksJSON(pub *rsa.PublicKey) json.RawMessage {
	data, _ := json.Marshal(map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"kid": testKeyID,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
	return data
}

func TestJWTMiddleware_JWKSToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	kf, err := keyfunc.NewJWKSetJSON(jwksJSON(&key.PublicKey))
	if err != nil {
		t.Fatalf("keyfunc: %v", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims())
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}

	mw := JWTMiddleware(JWTConfig{Keyfunc: kf.Keyfunc})
	_, err, called := runMiddleware(t, mw, "Bearer "+signed)
	if err != nil || !called {
		t.Fatalf("expected RS256 token to verify, got %v", err)
	}

	// HS256 tokens must not be accepted when verifying against JWKS.
	_, err, _ = runMiddleware(t, mw, "Bearer "+signHS256(t, validClaims()))
	assertStatus(t, err, http.StatusUnauthorized)
}

func TestDevAuthMiddleware_InjectsAdmin(t *testing.T) {
	mw := DevAuthMiddleware(JWTMiddleware(JWTConfig{SigningKey: testSigningKey}))
	c, err, called := runMiddleware(t, mw, "")
	if err != nil || !called {
		t.Fatalf("expected pass-through, got %v", err)
	}
	if !HasRole(RolesFromContext(c.Request().Context()), RoleDPO) {
		t.Error("dev identity should carry admin")
	}
}

func TestDevAuthMiddleware_ValidatesProvidedToken(t *testing.T) {
	mw := DevAuthMiddleware(JWTMiddleware(JWTConfig{SigningKey: testSigningKey}))
	_, err, called := runMiddleware(t, mw, "Bearer not-a-jwt")
	if called {
		t.Error("handler must not run with an invalid token")
	}
	assertStatus(t, err, http.StatusUnauthorized)
}

func TestDiscoverJWKSURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/realms/staff/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"issuer":"x","jwks_uri":"https://idp/certs"}`))
	}))
	defer srv.Close()

	got, err := DiscoverJWKSURL(context.Background(), srv.Client(), srv.URL+"/realms/staff/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "https://idp/certs" {
		t.Errorf("unexpected jwks uri %q", got)
	}

	if _, err := DiscoverJWKSURL(context.Background(), srv.Client(), srv.URL+"/missing"); err == nil {
		t.Error("expected error for 404 discovery document")
	}
}
