package gsa

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/go-plist"
	"github.com/blacktop/sideload/internal/errs"
	"github.com/pkg/errors"
)

type phoneNumber struct {
	ID int `json:"id"`
}

type securityCode struct {
	Code string `json:"code"`
}

type smsRequest struct {
	PhoneNumber  phoneNumber   `json:"phoneNumber"`
	SecurityCode *securityCode `json:"securityCode,omitempty"`
	Mode         string        `json:"mode"`
}

// secondFactor completes the challenge announced by status
func (c *Client) secondFactor(ctx context.Context, s *Session, status Status, tfa TFAPrompt) error {
	if tfa == nil {
		return &AuthError{Code: No2FAAttempt, Message: "two-factor authentication required but no code source configured"}
	}
	switch status.AuthType {
	case secondaryAuthType:
		return c.smsSecondFactor(ctx, s, tfa)
	case "", trustedDeviceAuth:
		return c.trustedDeviceSecondFactor(ctx, s, tfa)
	default:
		return &AuthError{Code: UnsupportedNextStep, Message: "unsupported authentication step " + status.AuthType}
	}
}

func (c *Client) askCode(ctx context.Context, tfa TFAPrompt) (string, error) {
	code, err := bounded(ctx, c.conf.PromptTimeout, tfa.AskCode)
	if err != nil {
		return "", &AuthError{Code: No2FAAttempt, Message: "no verification code provided", Err: err}
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return "", &AuthError{Code: No2FAAttempt, Message: "no verification code provided"}
	}
	return code, nil
}

func (c *Client) newSecondFactorRequest(ctx context.Context, method, path string, body []byte, s *Session) (*http.Request, error) {
	ident, err := c.anisette.Identity(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get anisette data")
	}
	req, err := http.NewRequestWithContext(ctx, method, c.conf.URL+path, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create http %s request", method)
	}
	setAppHeaders(req.Header, ident)
	req.Header.Set("X-Apple-Identity-Token", s.identityToken())
	req.Header.Set("Accept-Language", "en-us")
	return req, nil
}

// trustedDeviceSecondFactor pushes a code to the account's trusted devices
// and validates the code the user enters
func (c *Client) trustedDeviceSecondFactor(ctx context.Context, s *Session, tfa TFAPrompt) error {
	req, err := c.newSecondFactorRequest(ctx, http.MethodGet, trustedDevicePath, nil, s)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", plistContentType)
	req.Header.Set("Content-Type", plistContentType)
	if _, err := c.do(req); err != nil {
		return errors.Wrap(err, "failed to request trusted device code")
	}
	log.Info("Verification code sent to trusted devices")

	code, err := c.askCode(ctx, tfa)
	if err != nil {
		return err
	}

	if req, err = c.newSecondFactorRequest(ctx, http.MethodGet, validatePath, nil, s); err != nil {
		return err
	}
	req.Header.Set("Accept", plistContentType)
	req.Header.Set("Content-Type", plistContentType)
	req.Header.Set("security-code", code)
	data, err := c.do(req)
	if err != nil {
		return errors.Wrap(err, "failed to validate verification code")
	}

	var resp validateResponse
	if err := plist.NewDecoder(bytes.NewReader(data)).Decode(&resp); err != nil {
		return &errs.ParseError{What: "validate response", Err: err}
	}
	return resp.Err()
}

// validateResponse carries the status either nested or at the top level
type validateResponse struct {
	Nested       *Status `plist:"Status,omitempty"`
	ErrorCode    int     `plist:"ec"`
	ErrorMessage string  `plist:"em"`
}

func (r validateResponse) Err() error {
	if r.Nested != nil && r.Nested.ErrorCode != 0 {
		return r.Nested.Err()
	}
	return Status{ErrorCode: r.ErrorCode, ErrorMessage: r.ErrorMessage}.Err()
}

// smsSecondFactor texts a code to the account's first trusted phone number
func (c *Client) smsSecondFactor(ctx context.Context, s *Session, tfa TFAPrompt) error {
	body, err := json.Marshal(&smsRequest{
		PhoneNumber: phoneNumber{ID: defaultSMSPhoneID},
		Mode:        "sms",
	})
	if err != nil {
		return err
	}
	req, err := c.newSecondFactorRequest(ctx, http.MethodPut, phonePath, body, s)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if _, err := c.do(req); err != nil {
		return errors.Wrap(err, "failed to request SMS code")
	}
	log.Info("Verification code sent by SMS")

	code, err := c.askCode(ctx, tfa)
	if err != nil {
		return err
	}

	if body, err = json.Marshal(&smsRequest{
		PhoneNumber:  phoneNumber{ID: defaultSMSPhoneID},
		SecurityCode: &securityCode{Code: code},
		Mode:         "sms",
	}); err != nil {
		return err
	}
	if req, err = c.newSecondFactorRequest(ctx, http.MethodPost, phoneSecurityPath, body, s); err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &errs.NetworkError{Op: req.Method, URL: req.URL.String(), Err: err}
	}
	resp.Body.Close()
	log.Debugf("%s %s: (%d)", req.Method, req.URL, resp.StatusCode)
	if resp.StatusCode != http.StatusOK {
		return &AuthError{Code: InvalidValidationCode, Message: "SMS verification code was rejected"}
	}
	return nil
}
