package security

import (
	"errors"
	"testing"
	"time"
)

func TestVerifyRoundTrip(t *testing.T) {
	v := TokenVerifier{Secret: []byte("secret"), Issuer: "shop"}
	raw, err := v.Issue("u-1", "Alice", []string{"staff"}, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	id, err := v.Verify(raw)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.ID != "u-1" || id.Name != "Alice" || len(id.Roles) != 1 {
		t.Fatalf("identity %+v", id)
	}
}

func TestVerifyRejects(t *testing.T) {
	v := TokenVerifier{Secret: []byte("secret"), Issuer: "shop"}
	expired, _ := v.Issue("u-1", "", nil, -time.Minute)
	foreign, _ := TokenVerifier{Secret: []byte("other"), Issuer: "shop"}.Issue("u-1", "", nil, time.Minute)
	wrongIssuer, _ := TokenVerifier{Secret: []byte("secret"), Issuer: "elsewhere"}.Issue("u-1", "", nil, time.Minute)
	noSubject, _ := v.Issue("", "", nil, time.Minute)

	for name, raw := range map[string]string{
		"expired":       expired,
		"bad signature": foreign,
		"wrong issuer":  wrongIssuer,
		"no subject":    noSubject,
		"garbage":       "not-a-token",
	} {
		if _, err := v.Verify(raw); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}
