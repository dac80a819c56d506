package shared

import "testing"

func TestRedact(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"bearer", "Bearer abc123def456ghi789jkl0", "Bearer [REDACTED]"},
		{"access key", "access_key=AKIAabcdef1234567890", "access_key=[REDACTED]"},
		{"gateway secret json", `{"janus":"create","apisecret":"janusrocks"}`, `{"janus":"create","apisecret":"[REDACTED]"}`},
		{"admin secret", "admin_secret=supersecret", "admin_secret=[REDACTED]"},
		{"query token", "dial ws://janus-1.local:8188/?token=t0ps3cret failed", "dial ws://janus-1.local:8188/?token=[REDACTED] failed"},
		{"url userinfo", "dial ws://admin:hunter2@janus-1.local:8188/ failed", "dial ws://admin:[REDACTED]@janus-1.local:8188/ failed"},
		{"clean", "stream started on handle 123", "stream started on handle 123"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		if got := Redact(tt.in); got != tt.want {
			t.Errorf("%s: Redact(%q) = %q, want %q", tt.name, tt.in, got, tt.want)
		}
	}
}

func TestIsSecretKey(t *testing.T) {
	cases := map[string]bool{
		"CONDUCTOR_S3_SECRET": true,
		"auth_token":          true,
		"password":            true,
		"Authorization":       true,
		"CONDUCTOR_BIND_ADDR": false,
		"log_level":           false,
		"":                    false,
	}
	for key, want := range cases {
		if got := IsSecretKey(key); got != want {
			t.Errorf("IsSecretKey(%q) = %v, want %v", key, got, want)
		}
	}
}
