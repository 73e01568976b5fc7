// Package prompt asks the user for credentials, verification codes and choices.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"golang.org/x/term"
)

var (
	// ErrCancelled is returned when the user interrupts a prompt
	ErrCancelled = errors.New("prompt cancelled")
	// ErrNoTerminal is returned when there is nobody to ask
	ErrNoTerminal = errors.New("cannot prompt without a terminal")
)

var interactive = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// ask runs fn until it answers or ctx is done. survey cannot be interrupted
// from the outside so an abandoned prompt is left reading stdin.
func ask[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type answer struct {
		v   T
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		v, err := fn()
		if errors.Is(err, terminal.InterruptErr) {
			err = ErrCancelled
		}
		ch <- answer{v, err}
	}()

	select {
	case a := <-ch:
		return a.v, a.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Terminal prompts on the controlling terminal
type Terminal struct {
	// AppleID skips asking for the account name when set
	AppleID string

	opts []survey.AskOpt
}

// AskCredentials asks for an Apple ID and password
func (t *Terminal) AskCredentials(ctx context.Context) (string, string, error) {
	if !interactive() {
		return "", "", ErrNoTerminal
	}
	type creds struct {
		AppleID  string
		Password string
	}
	c, err := ask(ctx, func() (creds, error) {
		var c creds
		qs := []*survey.Question{
			{
				Name:     "appleid",
				Prompt:   &survey.Input{Message: "Apple ID:", Default: t.AppleID},
				Validate: survey.Required,
			},
			{
				Name:     "password",
				Prompt:   &survey.Password{Message: "Password:"},
				Validate: survey.Required,
			},
		}
		if t.AppleID != "" {
			qs = qs[1:]
			c.AppleID = t.AppleID
		}
		err := survey.Ask(qs, &c, t.opts...)
		return c, err
	})
	if err != nil {
		return "", "", err
	}
	return strings.TrimSpace(c.AppleID), c.Password, nil
}

// AskCode asks for a six digit verification code
func (t *Terminal) AskCode(ctx context.Context) (string, error) {
	if !interactive() {
		return "", ErrNoTerminal
	}
	return ask(ctx, func() (string, error) {
		var code string
		err := survey.AskOne(&survey.Input{
			Message: "Enter the verification code sent to your trusted device:",
		}, &code, append(t.opts, survey.WithValidator(validCode))...)
		return code, err
	})
}

func validCode(ans any) error {
	s, _ := ans.(string)
	s = strings.TrimSpace(s)
	if len(s) != 6 {
		return fmt.Errorf("verification codes are 6 digits")
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return fmt.Errorf("verification codes are 6 digits")
		}
	}
	return nil
}

// Select asks the user to pick one of options and returns its index
func Select(ctx context.Context, message string, options []string) (int, error) {
	switch len(options) {
	case 0:
		return -1, fmt.Errorf("nothing to choose from")
	case 1:
		return 0, nil
	}
	if !interactive() {
		return -1, ErrNoTerminal
	}
	return ask(ctx, func() (int, error) {
		var idx int
		err := survey.AskOne(&survey.Select{
			Message:  message,
			Options:  options,
			PageSize: 15,
		}, &idx)
		return idx, err
	})
}

// Confirm asks a yes/no question
func Confirm(ctx context.Context, message string, def bool) (bool, error) {
	if !interactive() {
		return def, ErrNoTerminal
	}
	return ask(ctx, func() (bool, error) {
		yes := def
		err := survey.AskOne(&survey.Confirm{Message: message, Default: def}, &yes)
		return yes, err
	})
}
