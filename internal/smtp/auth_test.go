package smtp

import (
	"encoding/base64"
	"testing"
)

func TestAuthenticatorEnabled(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		username string
		password string
		want     bool
	}{
		{name: "both set", username: "user", password: "pass", want: true},
		{name: "empty username", username: "", password: "pass", want: false},
		{name: "empty password", username: "user", password: "", want: false},
		{name: "both empty", username: "", password: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			auth := NewAuthenticator(tt.username, tt.password)
			if got := auth.Enabled(); got != tt.want {
				t.Errorf("Enabled(): got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuthenticatorVerifyPlain(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator("testuser", "testpass")

	tests := []struct {
		name      string
		plaintext string
		wantErr   bool
	}{
		{name: "valid", plaintext: "\x00testuser\x00testpass", wantErr: false},
		{name: "valid with authzid", plaintext: "admin\x00testuser\x00testpass", wantErr: false},
		{name: "wrong password", plaintext: "\x00testuser\x00wrongpass", wantErr: true},
		{name: "wrong username", plaintext: "\x00wronguser\x00testpass", wantErr: true},
		{name: "missing separator", plaintext: "testuser\x00testpass", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			encoded := base64.StdEncoding.EncodeToString([]byte(tt.plaintext))
			err := auth.VerifyPlain(encoded)
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestAuthenticatorVerifyPlainInvalidBase64(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator("testuser", "testpass")
	if err := auth.VerifyPlain("not-valid-base64!!!"); err == nil {
		t.Error("expected error for invalid base64, got nil")
	}
}

func TestAuthenticatorVerifyLogin(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator("testuser", "testpass")
	b64 := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

	tests := []struct {
		name    string
		user    string
		pass    string
		wantErr bool
	}{
		{name: "valid", user: b64("testuser"), pass: b64("testpass"), wantErr: false},
		{name: "wrong password", user: b64("testuser"), pass: b64("wrongpass"), wantErr: true},
		{name: "invalid base64 user", user: "invalid!!!", pass: b64("testpass"), wantErr: true},
		{name: "invalid base64 pass", user: b64("testuser"), pass: "invalid!!!", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := auth.VerifyLogin(tt.user, tt.pass)
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
