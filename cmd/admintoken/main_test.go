package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/autocash/internal/auth"
)

const testSecret = "an-admin-secret-that-is-long-enough-for-tests"

func env(vals map[string]string) func(string) string {
	return func(k string) string { return vals[k] }
}

func TestRun_MintsValidToken(t *testing.T) {
	var out bytes.Buffer
	err := run([]string{"-subject", "ops@autocash", "-ttl", "10m"}, env(map[string]string{"ADMIN_JWT_SECRET": testSecret}), &out)
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}

	claims, err := auth.NewJWTService(testSecret).ValidateAdminToken(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("ValidateAdminToken() error = %v", err)
	}
	if claims.Subject != "ops@autocash" {
		t.Errorf("subject = %q, want ops@autocash", claims.Subject)
	}
	if remaining := time.Until(claims.ExpiresAt.Time); remaining > 10*time.Minute || remaining < 9*time.Minute {
		t.Errorf("expiry in %v, want about 10m", remaining)
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		env     map[string]string
		wantErr error
	}{
		{name: "missing secret", args: []string{"-subject", "ops"}, env: map[string]string{}},
		{name: "short secret", args: []string{"-subject", "ops"}, env: map[string]string{"ADMIN_JWT_SECRET": "short"}},
		{name: "missing subject", args: nil, env: map[string]string{"ADMIN_JWT_SECRET": testSecret}, wantErr: auth.ErrEmptySubject},
		{name: "excessive ttl", args: []string{"-subject", "ops", "-ttl", "1000h"}, env: map[string]string{"ADMIN_JWT_SECRET": testSecret}, wantErr: auth.ErrInvalidExpiry},
		{name: "unknown flag", args: []string{"-bogus"}, env: map[string]string{"ADMIN_JWT_SECRET": testSecret}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(tt.args, env(tt.env), &out)
			if err == nil {
				t.Fatal("run() expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
