package access

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestSignUp_DisabledInSettings(t *testing.T) {
	svc := NewService(nil, nil, Settings{CredentialSignUp: false}, zap.NewNop())

	_, err := svc.SignUp(context.Background(), "new@coreplane.dev", "New User", "Str0ngPassword")
	if !errors.Is(err, ErrSignUpDisabled) {
		t.Fatalf("SignUp with sign-up disabled: err = %v, want ErrSignUpDisabled", err)
	}
}

// With sign-up enabled the request proceeds to the password policy,
// which runs before any storage access.
func TestSignUp_EnabledReachesPasswordPolicy(t *testing.T) {
	svc := NewService(nil, nil, Settings{CredentialSignUp: true}, zap.NewNop())

	_, err := svc.SignUp(context.Background(), "new@coreplane.dev", "New User", "short")
	if err == nil || errors.Is(err, ErrSignUpDisabled) {
		t.Fatalf("SignUp with sign-up enabled: err = %v, want password policy error", err)
	}
	if !strings.Contains(err.Error(), "at least") {
		t.Errorf("err = %v, want password length violation", err)
	}
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantOK   bool
	}{
		{"meets policy", "Passw0rd", true},
		{"too short", "Pw1", false},
		{"no uppercase", "passw0rd", false},
		{"no digit", "Password", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePassword(tt.password)
			if (err == nil) != tt.wantOK {
				t.Errorf("ValidatePassword(%q) = %v, want ok=%v", tt.password, err, tt.wantOK)
			}
		})
	}
}
