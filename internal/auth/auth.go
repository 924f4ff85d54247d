// Package auth verifies login credentials against the host operating system
// and keeps the in-memory session token table.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"time"
)

// checkTimeout bounds the credential helper processes so a hung PAM stack
// cannot wedge a login request.
const checkTimeout = 10 * time.Second

var usernameRe = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

var (
	ErrBadCredentials      = errors.New("invalid username or password")
	ErrUnsupportedPlatform = errors.New("local authentication is not supported on this platform")
)

// ValidUsername reports whether name is non-empty and contains only
// letters, digits, underscore, dot, or hyphen. Checked before the name is
// ever handed to an external command.
func ValidUsername(name string) bool {
	return name != "" && usernameRe.MatchString(name)
}

// CheckLocal verifies username and password against the local OS. On macOS
// it asks dscl to authenticate against the local directory; on Linux it runs
// su with the password fed over stdin. The password is never passed as an
// argument on Linux, so it stays out of the process list.
func CheckLocal(ctx context.Context, username, password string) error {
	if !ValidUsername(username) {
		return ErrBadCredentials
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	switch runtime.GOOS {
	case "darwin":
		cmd := exec.CommandContext(ctx, "dscl", ".", "-authonly", username, password)
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("%w: %v", ErrBadCredentials, err)
		}
		return nil
	case "linux":
		cmd := exec.CommandContext(ctx, "su", "-c", "true", username)
		cmd.Stdin = strings.NewReader(password + "\n")
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("%w: %v", ErrBadCredentials, err)
		}
		return nil
	default:
		return ErrUnsupportedPlatform
	}
}
