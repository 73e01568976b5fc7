package gsa

import (
	"errors"
	"fmt"
)

// ErrNoSession is returned when an operation needs a session and none is cached
var ErrNoSession = errors.New("not logged in")

// AuthCode is a Grand Slam status error code
type AuthCode int

const (
	MismatchedSrp              AuthCode = 1
	MisformattedEncryptedToken AuthCode = 2
	No2FAAttempt               AuthCode = 3
	UnsupportedNextStep        AuthCode = 4
	AccountLocked              AuthCode = -20209
	InvalidValidationCode      AuthCode = -21669
	InvalidPassword            AuthCode = -22406
	UnableToSignIn             AuthCode = -36607
)

func (c AuthCode) String() string {
	switch c {
	case MismatchedSrp:
		return "mismatched SRP"
	case MisformattedEncryptedToken:
		return "misformatted encrypted token"
	case No2FAAttempt:
		return "no 2FA attempt"
	case UnsupportedNextStep:
		return "unsupported next step"
	case AccountLocked:
		return "account locked"
	case InvalidValidationCode:
		return "invalid validation code"
	case InvalidPassword:
		return "invalid password"
	default:
		return "unable to sign in"
	}
}

// codeFor maps a raw "ec" value onto the known codes
func codeFor(ec int) AuthCode {
	switch c := AuthCode(ec); c {
	case MismatchedSrp, MisformattedEncryptedToken, No2FAAttempt, UnsupportedNextStep,
		AccountLocked, InvalidValidationCode, InvalidPassword, UnableToSignIn:
		return c
	default:
		return UnableToSignIn
	}
}

// AuthError is a failed login
type AuthError struct {
	Code    AuthCode
	// RawCode is the "ec" Apple sent, zero for locally detected failures
	RawCode int
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.String()
	}
	code := int(e.Code)
	if e.RawCode != 0 {
		code = e.RawCode
	}
	if e.Err != nil {
		return fmt.Sprintf("login failed (%d): %s: %v", code, msg, e.Err)
	}
	return fmt.Sprintf("login failed (%d): %s", code, msg)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Status is the "Status" dictionary of every GSA response
type Status struct {
	ErrorCode    int    `plist:"ec"`
	ErrorMessage string `plist:"em"`
	HSC          int    `plist:"hsc"`
	AuthType     string `plist:"au,omitempty"`
}

// Err returns the AuthError for a non-zero "ec"
func (s Status) Err() error {
	if s.ErrorCode == 0 {
		return nil
	}
	return &AuthError{Code: codeFor(s.ErrorCode), RawCode: s.ErrorCode, Message: s.ErrorMessage}
}

// NeedsSecondFactor reports whether the account must complete 2FA before the
// session is usable
func (s Status) NeedsSecondFactor() bool {
	return s.HSC == 409
}
