package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIssueAndParseRoundTrip(t *testing.T) {
	v := NewJWTVerifier("test-secret")
	tok, err := v.IssueToken(Caller{UserID: "user-1", Role: RoleCustomer}, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	caller, err := v.ParseCaller(tok)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if caller.UserID != "user-1" || caller.Role != RoleCustomer {
		t.Fatalf("caller = %+v", caller)
	}
	if caller.IsStaff() {
		t.Fatalf("customer reported as staff")
	}
}

func TestParseRejectsWrongSecretAndBadRole(t *testing.T) {
	v := NewJWTVerifier("test-secret")
	other := NewJWTVerifier("other-secret")

	tok, _ := other.IssueToken(Caller{UserID: "user-1", Role: RoleCustomer}, time.Minute)
	if _, err := v.ParseCaller(tok); err == nil {
		t.Fatalf("token from another secret accepted")
	}

	tok, _ = v.IssueToken(Caller{UserID: "user-1", Role: "superuser"}, time.Minute)
	if _, err := v.ParseCaller(tok); err == nil {
		t.Fatalf("unknown role accepted")
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	v := NewJWTVerifier("test-secret")
	tok, _ := v.IssueToken(Caller{UserID: "user-1", Role: RoleStaff}, -time.Minute)
	if _, err := v.ParseCaller(tok); err == nil {
		t.Fatalf("expired token accepted")
	}
}

func TestMiddlewareEnforcesBearerExceptSkips(t *testing.T) {
	v := NewJWTVerifier("test-secret")
	var gotCaller Caller
	handler := Middleware(v, []string{"/healthz"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCaller, _ = CallerFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/accounts/acc-1", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("skip path status = %d, want 200", rec.Code)
	}

	tok, _ := v.IssueToken(Caller{UserID: "user-1", Role: RoleCustomer}, time.Minute)
	req := httptest.NewRequest(http.MethodGet, "/v1/accounts/acc-1", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token status = %d, want 200", rec.Code)
	}
	if gotCaller.UserID != "user-1" {
		t.Fatalf("caller not propagated: %+v", gotCaller)
	}
}
