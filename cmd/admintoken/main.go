// Command admintoken mints a signed admin token for the autocash API.
//
// The signing secret is read from ADMIN_JWT_SECRET so it never appears in
// shell history.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/onnwee/autocash/internal/auth"
)

const minSecretLength = 32

func main() {
	if err := run(os.Args[1:], os.Getenv, os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "admintoken:", err)
		os.Exit(1)
	}
}

func run(args []string, getenv func(string) string, out io.Writer) error {
	fs := flag.NewFlagSet("admintoken", flag.ContinueOnError)
	fs.SetOutput(out)
	subject := fs.String("subject", "", "operator identity recorded in the token and audit log")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime (max 720h)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	secret := getenv("ADMIN_JWT_SECRET")
	if secret == "" {
		return errors.New("ADMIN_JWT_SECRET is required")
	}
	if len(secret) < minSecretLength {
		return fmt.Errorf("ADMIN_JWT_SECRET must be at least %d characters", minSecretLength)
	}

	token, err := auth.NewJWTService(secret).GenerateAdminToken(*subject, *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
