package gsa

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/sideload/internal/errs"
	"github.com/blacktop/sideload/internal/srp"
	"github.com/blacktop/sideload/pkg/anisette"
	"github.com/pkg/errors"
)

// Session is an authenticated Apple ID
type Session struct {
	AppleID string
	// DSID is the account's "adsid"
	DSID       string
	IdmsToken  string
	SessionKey []byte
	Cookie     []byte
	// URLs is the GSA URL bag
	URLs map[string]string
	// Token is the Xcode app token sent as X-Apple-GS-Token
	Token       string
	TokenExpiry time.Time
}

// SessionToken returns the (adsid, token) pair Developer Services authenticates with
func (s *Session) SessionToken() (string, string) {
	return s.DSID, s.Token
}

// Expired reports whether the app token has expired at t
func (s *Session) Expired(t time.Time) bool {
	return !s.TokenExpiry.IsZero() && !t.Before(s.TokenExpiry)
}

// identityToken is the X-Apple-Identity-Token header value
func (s *Session) identityToken() string {
	return base64.StdEncoding.EncodeToString([]byte(s.DSID + ":" + s.IdmsToken))
}

type initResponse struct {
	Status     Status `plist:"Status"`
	Iterations int    `plist:"i"`
	Salt       []byte `plist:"s"`
	Protocol   string `plist:"sp"`
	Cookie     string `plist:"c"`
	B          []byte `plist:"B"`
}

type completeResponse struct {
	Status Status `plist:"Status"`
	M2     []byte `plist:"M2"`
	SPD    []byte `plist:"spd"`
	NP     []byte `plist:"np"`
}

type credentials struct {
	appleID  string
	password string
}

// Login signs in with the credentials from creds, completing two-factor
// authentication through tfa when the account requires it.
func (c *Client) Login(ctx context.Context, creds CredentialPrompt, tfa TFAPrompt) (*Session, error) {
	cred, err := bounded(ctx, c.conf.PromptTimeout, func(ctx context.Context) (credentials, error) {
		id, pw, err := creds.AskCredentials(ctx)
		return credentials{appleID: id, password: pw}, err
	})
	if err != nil {
		return nil, &AuthError{Code: UnableToSignIn, Message: "no credentials provided", Err: err}
	}
	if cred.appleID == "" || cred.password == "" {
		return nil, &AuthError{Code: UnableToSignIn, Message: "Apple ID and password are required"}
	}

	ident, err := c.anisette.Identity(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get anisette data")
	}
	urls, err := anisette.FetchURLBag(ctx, c.http, c.LookupURL(), ident)
	if err != nil {
		return nil, err
	}
	gsService, ok := urls["gsService"]
	if !ok {
		return nil, errs.Missing("url bag", "gsService")
	}

	log.WithField("apple_id", cred.appleID).Info("Logging in")

	sess, status, err := c.authenticate(ctx, gsService, cred)
	if err != nil {
		return nil, err
	}

	if status.NeedsSecondFactor() {
		log.Info("Two-factor authentication required")
		if err := c.secondFactor(ctx, sess, status, tfa); err != nil {
			return nil, err
		}
		if sess, status, err = c.authenticate(ctx, gsService, cred); err != nil {
			return nil, err
		}
		if status.NeedsSecondFactor() {
			return nil, &AuthError{Code: UnsupportedNextStep, Message: "two-factor authentication still required after verification"}
		}
	}

	sess.URLs = urls
	if err := c.fetchAppToken(ctx, gsService, sess); err != nil {
		return nil, err
	}

	log.WithField("adsid", sess.DSID).Debug("Logged in")
	return sess, nil
}

// authenticate runs the SRP init/complete round trips
func (c *Client) authenticate(ctx context.Context, gsService string, cred credentials) (*Session, Status, error) {
	s, err := srp.New(2048)
	if err != nil {
		return nil, Status{}, err
	}
	client := s.NewClient([]byte(cred.appleID))

	ident, err := c.anisette.Identity(ctx)
	if err != nil {
		return nil, Status{}, errors.Wrap(err, "failed to get anisette data")
	}
	round1, err := post[initResponse](ctx, c, gsService, ident, map[string]any{
		"A2k": client.PublicKey(),
		"cpd": ident.ClientProvidedData(),
		"o":   "init",
		"ps":  []string{srp.ProtocolS2K, srp.ProtocolS2KFO},
		"u":   cred.appleID,
	})
	if err != nil {
		return nil, Status{}, errors.Wrap(err, "SRP init failed")
	}
	if err := round1.Status.Err(); err != nil {
		return nil, round1.Status, err
	}
	if len(round1.Salt) == 0 {
		return nil, round1.Status, errs.Missing("SRP init response", "s")
	}
	if len(round1.B) == 0 {
		return nil, round1.Status, errs.Missing("SRP init response", "B")
	}
	if round1.Iterations <= 0 {
		return nil, round1.Status, errs.Missing("SRP init response", "i")
	}
	if round1.Protocol != srp.ProtocolS2K && round1.Protocol != srp.ProtocolS2KFO {
		return nil, round1.Status, &AuthError{Code: UnsupportedNextStep, Message: fmt.Sprintf("unsupported SRP protocol %q", round1.Protocol)}
	}

	pk, err := srp.PasswordKey(cred.password, round1.Salt, round1.Iterations, round1.Protocol)
	if err != nil {
		return nil, round1.Status, err
	}
	m1, _, err := client.Generate(pk, round1.Salt, round1.B)
	if err != nil {
		return nil, round1.Status, &AuthError{Code: MismatchedSrp, Err: err}
	}

	if ident, err = c.anisette.Identity(ctx); err != nil {
		return nil, Status{}, errors.Wrap(err, "failed to get anisette data")
	}
	round2, err := post[completeResponse](ctx, c, gsService, ident, map[string]any{
		"M1":  m1,
		"c":   round1.Cookie,
		"cpd": ident.ClientProvidedData(),
		"o":   "complete",
		"u":   cred.appleID,
	})
	if err != nil {
		return nil, Status{}, errors.Wrap(err, "SRP complete failed")
	}
	if err := round2.Status.Err(); err != nil {
		return nil, round2.Status, err
	}
	if !client.ServerOk(round2.M2) {
		return nil, round2.Status, &AuthError{Code: MismatchedSrp, Message: "server proof M2 did not verify"}
	}
	if len(round2.SPD) == 0 {
		return nil, round2.Status, errs.Missing("SRP complete response", "spd")
	}

	spd, err := decryptSPD(client.RawKey(), round2.SPD)
	if err != nil {
		return nil, round2.Status, &AuthError{Code: MisformattedEncryptedToken, Err: err}
	}

	return &Session{
		AppleID:    cred.appleID,
		DSID:       spd.ADSID,
		IdmsToken:  spd.IdmsToken,
		SessionKey: spd.SessionKey,
		Cookie:     spd.Cookie,
	}, round2.Status, nil
}

// bounded runs fn with a deadline and stops waiting once ctx is done even if
// fn ignores its context
func bounded[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}
