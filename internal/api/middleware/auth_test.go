// Covers: token absent, wrong scheme, rejected, accepted, context injection, admin gate.
package middleware_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matiasleandrokruk/chatrelay/internal/api/ctxkeys"
	"github.com/matiasleandrokruk/chatrelay/internal/api/middleware"
	pkgauth "github.com/matiasleandrokruk/chatrelay/pkg/auth"
)

var testSecret = []byte("test-secret-key-32-chars-min!!!")

// ===== HELPERS =====

type verifierStub map[string]string

func (v verifierStub) Verify(_ context.Context, token string) (string, error) {
	if id, ok := v[token]; ok {
		return id, nil
	}
	return "", pkgauth.ErrInvalidCredential
}

// nextHandler records whether it ran and the context it saw.
func nextHandler(called *bool, capturedCtx *context.Context) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		if capturedCtx != nil {
			*capturedCtx = r.Context()
		}
		w.WriteHeader(http.StatusOK)
	})
}

func makeRequest(authorization string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/models", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	return req
}

func decodeCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	if body["error"] == "" {
		t.Errorf("expected error message in %q", rr.Body.String())
	}
	return body["code"]
}

// ===== TESTS: REJECTED =====

func TestAuth_Rejects(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"no header":    "",
		"empty bearer": "Bearer ",
		"basic scheme": "Basic dXNlcjpwYXNz",
		"lowercase":    "bearer good",
		"unknown":      "Bearer not.a.real.jwt",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			called := false
			handler := middleware.Auth(verifierStub{"good": "alice"})(nextHandler(&called, nil))

			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, makeRequest(header))

			if rr.Code != http.StatusUnauthorized {
				t.Errorf("status = %d; want %d", rr.Code, http.StatusUnauthorized)
			}
			if called {
				t.Error("next handler should NOT be called")
			}
			if code := decodeCode(t, rr); code != "INVALID_CREDENTIAL" {
				t.Errorf("code = %q; want INVALID_CREDENTIAL", code)
			}
		})
	}
}

func TestAuth_ExpiredJWT(t *testing.T) {
	t.Parallel()

	token, err := pkgauth.GenerateJWT(testSecret, "alice", -time.Minute)
	if err != nil {
		t.Fatalf("GenerateJWT error = %v", err)
	}

	called := false
	handler := middleware.Auth(pkgauth.NewAuthenticator(testSecret, nil))(nextHandler(&called, nil))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, makeRequest("Bearer "+token))

	if rr.Code != http.StatusUnauthorized || called {
		t.Errorf("expired token: status = %d, called = %v", rr.Code, called)
	}
}

// ===== TESTS: ACCEPTED =====

func TestAuth_ValidJWTInjectsIdentity(t *testing.T) {
	t.Parallel()

	token, err := pkgauth.GenerateJWT(testSecret, "alice", time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT error = %v", err)
	}

	called := false
	var ctx context.Context
	handler := middleware.Auth(pkgauth.NewAuthenticator(testSecret, nil))(nextHandler(&called, &ctx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, makeRequest("Bearer "+token))

	if rr.Code != http.StatusOK || !called {
		t.Fatalf("status = %d, called = %v", rr.Code, called)
	}
	if id, _ := ctxkeys.IdentityFrom(ctx); id != "alice" {
		t.Errorf("identity = %q; want alice", id)
	}
}

func TestAuth_TrimsToken(t *testing.T) {
	t.Parallel()

	called := false
	var ctx context.Context
	handler := middleware.Auth(verifierStub{"good": "bob"})(nextHandler(&called, &ctx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, makeRequest("Bearer   good  "))

	if !called {
		t.Fatalf("status = %d; want pass-through", rr.Code)
	}
	if id, _ := ctxkeys.IdentityFrom(ctx); id != "bob" {
		t.Errorf("identity = %q; want bob", id)
	}
}

// ===== TESTS: ADMIN =====

func TestRequireAdmin(t *testing.T) {
	t.Parallel()

	isAdmin := func(id string) bool { return id == "root" }

	cases := []struct {
		name     string
		identity string
		want     int
		code     string
	}{
		{"admin", "root", http.StatusOK, ""},
		{"non-admin", "alice", http.StatusForbidden, "FORBIDDEN"},
		{"anonymous", "", http.StatusUnauthorized, "INVALID_CREDENTIAL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			called := false
			handler := middleware.RequireAdmin(isAdmin)(nextHandler(&called, nil))

			req := makeRequest("")
			if tc.identity != "" {
				req = req.WithContext(ctxkeys.WithValue(req.Context(), ctxkeys.Identity, tc.identity))
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tc.want {
				t.Fatalf("status = %d; want %d", rr.Code, tc.want)
			}
			if called != (tc.want == http.StatusOK) {
				t.Errorf("called = %v", called)
			}
			if tc.code != "" {
				if code := decodeCode(t, rr); code != tc.code {
					t.Errorf("code = %q; want %q", code, tc.code)
				}
			}
		})
	}
}

func TestRequireAdmin_NilPredicateDeniesAll(t *testing.T) {
	t.Parallel()

	called := false
	handler := middleware.RequireAdmin(nil)(nextHandler(&called, nil))

	req := makeRequest("")
	req = req.WithContext(ctxkeys.WithValue(req.Context(), ctxkeys.Identity, "root"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden || called {
		t.Errorf("status = %d, called = %v", rr.Code, called)
	}
}
