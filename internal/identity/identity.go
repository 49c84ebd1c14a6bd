package identity

import (
	"context"
	"regexp"
	"time"

	"github.com/example/ai-check-client/internal/apperror"
)

// Provider is the managed identity service the client delegates to.
type Provider interface {
	SignUp(ctx context.Context, params SignUpParams) (*SignUpResult, error)
	ConfirmSignUp(ctx context.Context, username, code string) error
	SignIn(ctx context.Context, username, password string) (*Tokens, error)
	Refresh(ctx context.Context, username, refreshToken string) (*Tokens, error)
	GetUser(ctx context.Context, accessToken string) (*User, error)
	SignOut(ctx context.Context, accessToken string) error
}

// SignUpParams are the fields collected by the registration form.
type SignUpParams struct {
	Username string
	Password string
	Email    string
}

// SignUpResult tells the caller whether an email code must be confirmed.
type SignUpResult struct {
	RequiresVerification bool
}

// Tokens is a token set issued by the provider.
type Tokens struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
	ExpiresAt    time.Time
}

// User identifies the signed-in account.
type User struct {
	ID       string
	Username string
	Email    string
}

const MessageInvalidCode = "the verification code must be 6 digits"

var codePattern = regexp.MustCompile(`^[0-9]{6}$`)

// ValidateCode checks an email verification code locally.
func ValidateCode(code string) error {
	if !codePattern.MatchString(code) {
		return apperror.InvalidInput(MessageInvalidCode)
	}
	return nil
}
