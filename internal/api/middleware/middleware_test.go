package middleware

import (
	"testing"

	"github.com/timmy/tddf/internal/config"
	"golang.org/x/crypto/bcrypt"
)

func TestKeyVerifier(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("k-bob"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	v := NewKeyVerifier([]config.APIKeyConfig{
		{User: "nohash"},
		{User: "bob", Hash: string(hash)},
	})

	tests := []struct {
		key    string
		user   string
		wantOK bool
	}{
		{"k-bob", "bob", true},
		{"k-bo", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			user, ok := v.Verify(tt.key)
			if ok != tt.wantOK || user != tt.user {
				t.Errorf("Verify(%q) = %q, %v", tt.key, user, ok)
			}
		})
	}
}

func TestIsOriginAllowed(t *testing.T) {
	cfg := config.CORSConfig{AllowedOrigins: []string{"https://ops.example.com"}}
	if !IsOriginAllowed("https://OPS.example.com", cfg) {
		t.Error("configured origin rejected")
	}
	if IsOriginAllowed("https://evil.example.com", cfg) {
		t.Error("unknown origin allowed")
	}
	if !IsOriginAllowed("anything", config.CORSConfig{AllowAllOrigins: true}) {
		t.Error("allow-all rejected an origin")
	}
}
