package email

import (
	"strings"
	"testing"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   bool
	}{
		{name: "empty config", config: Config{}, want: false},
		{name: "missing host", config: Config{Port: "587", From: "noreply@fset.dev"}, want: false},
		{name: "missing port", config: Config{Host: "smtp.fset.dev", From: "noreply@fset.dev"}, want: false},
		{name: "missing from", config: Config{Host: "smtp.fset.dev", Port: "587"}, want: false},
		{
			name:   "fully configured",
			config: Config{Host: "smtp.fset.dev", Port: "587", From: "noreply@fset.dev"},
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.want {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.want)
			}
		})
	}
}

func TestSendSkipsWhenUnconfigured(t *testing.T) {
	svc := NewService(Config{})
	if err := svc.SendEmail([]string{"ada@fset.dev"}, "subject", "body"); err == nil {
		t.Error("unconfigured service must refuse to send")
	}
	if err := svc.SendHTMLEmail([]string{"ada@fset.dev"}, "subject", "<p>body</p>"); err == nil {
		t.Error("unconfigured service must refuse to send HTML")
	}
}

func TestFromHeaderIncludesDisplayName(t *testing.T) {
	svc := NewService(Config{From: "noreply@fset.dev", FromName: "Fset"})
	if got := svc.fromHeader(); got != "Fset <noreply@fset.dev>" {
		t.Errorf("fromHeader() = %q", got)
	}
	bare := NewService(Config{From: "noreply@fset.dev"})
	if got := bare.fromHeader(); got != "noreply@fset.dev" {
		t.Errorf("fromHeader() without name = %q", got)
	}
}

func TestRenderVerificationTemplate(t *testing.T) {
	html, err := renderTemplate(verificationEmailTemplate, VerificationData{
		AppName:         "Fset",
		UserName:        "Ada",
		VerificationURL: "https://app.fset.dev/verify?token=abc123",
	})
	if err != nil {
		t.Fatalf("renderTemplate: %v", err)
	}

	for _, want := range []string{"Fset", "Ada", "https://app.fset.dev/verify?token=abc123", "24 hours"} {
		if !strings.Contains(html, want) {
			t.Errorf("verification email missing %q", want)
		}
	}
}

func TestRenderPasswordResetTemplate(t *testing.T) {
	html, err := renderTemplate(passwordResetEmailTemplate, PasswordResetData{
		AppName:  "Fset",
		UserName: "Ada",
		ResetURL: "https://app.fset.dev/reset?token=xyz789",
	})
	if err != nil {
		t.Fatalf("renderTemplate: %v", err)
	}

	for _, want := range []string{"Fset", "Ada", "https://app.fset.dev/reset?token=xyz789", "1 hour"} {
		if !strings.Contains(html, want) {
			t.Errorf("reset email missing %q", want)
		}
	}
}
