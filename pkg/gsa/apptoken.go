package gsa

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"time"

	"github.com/blacktop/go-plist"
	"github.com/blacktop/sideload/internal/errs"
	"github.com/pkg/errors"
)

const (
	tokenVersionSize = 3
	tokenIVSize      = 16
)

type appTokenResponse struct {
	Status         Status `plist:"Status"`
	EncryptedToken []byte `plist:"et"`
}

type appToken struct {
	Token    string `plist:"token"`
	Duration int64  `plist:"duration"`
	Expiry   int64  `plist:"expiry"`
}

type appTokens struct {
	Tokens map[string]appToken `plist:"t"`
}

// fetchAppToken exchanges the GSA session for the Xcode app token
func (c *Client) fetchAppToken(ctx context.Context, gsService string, s *Session) error {
	ident, err := c.anisette.Identity(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get anisette data")
	}

	resp, err := post[appTokenResponse](ctx, c, gsService, ident, map[string]any{
		"app":      []string{xcodeAppID},
		"c":        s.Cookie,
		"checksum": hmacSHA256(s.SessionKey, "apptokens", s.DSID, xcodeAppID),
		"cpd":      ident.ClientProvidedData(),
		"o":        "apptokens",
		"t":        s.IdmsToken,
		"u":        s.DSID,
	})
	if err != nil {
		return errors.Wrap(err, "app token request failed")
	}
	if err := resp.Status.Err(); err != nil {
		return err
	}
	if len(resp.EncryptedToken) == 0 {
		return errs.Missing("app token response", "et")
	}

	data, err := decryptAppToken(s.SessionKey, resp.EncryptedToken)
	if err != nil {
		return &AuthError{Code: MisformattedEncryptedToken, Err: err}
	}

	var tokens appTokens
	if err := plist.NewDecoder(bytes.NewReader(data)).Decode(&tokens); err != nil {
		return &errs.ParseError{What: "app tokens", Err: err}
	}
	tok, ok := tokens.Tokens[xcodeAppID]
	if !ok || tok.Token == "" {
		return errs.Missing("app tokens", xcodeAppID)
	}

	s.Token = tok.Token
	switch {
	case tok.Expiry > 0:
		s.TokenExpiry = time.UnixMilli(tok.Expiry)
	case tok.Duration > 0:
		s.TokenExpiry = c.now().Add(time.Duration(tok.Duration) * time.Second)
	default:
		s.TokenExpiry = c.now().Add(defaultAppTokenTTL)
	}
	return nil
}

// decryptAppToken opens "et": version(3) | iv(16) | ciphertext+tag, with the
// version as additional data
func decryptAppToken(sessionKey, et []byte) ([]byte, error) {
	if len(et) < tokenVersionSize+tokenIVSize+16 {
		return nil, fmt.Errorf("encrypted token too short (%d bytes)", len(et))
	}
	version := et[:tokenVersionSize]
	iv := et[tokenVersionSize : tokenVersionSize+tokenIVSize]
	ciphertext := et[tokenVersionSize+tokenIVSize:]

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, tokenIVSize)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, iv, ciphertext, version)
}
