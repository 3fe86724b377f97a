package auth

import "testing"

func TestIsPublicPath(t *testing.T) {
	for _, p := range []string{"/health", "/health/db", "/health/ready"} {
		if !IsPublicPath(p) {
			t.Errorf("expected %s to be public", p)
		}
	}
	for _, p := range []string{"/", "/api/v1/encounters/sessions", "/health/secret"} {
		if IsPublicPath(p) {
			t.Errorf("expected %s to be protected", p)
		}
	}
}
