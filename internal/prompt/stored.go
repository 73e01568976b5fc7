package prompt

import (
	"context"
	"errors"

	"github.com/apex/log"
	"github.com/blacktop/sideload/internal/secret"
)

// EmailKey holds the remembered Apple ID; the password is stored under the Apple ID itself
const EmailKey = "apple_id_email"

// CredentialPrompt matches gsa.CredentialPrompt
type CredentialPrompt interface {
	AskCredentials(ctx context.Context) (appleID, password string, err error)
}

// StoredCredentials answers from the secret store and falls back to another prompt
type StoredCredentials struct {
	Store    secret.Store
	Service  string
	Fallback CredentialPrompt
	// Remember saves credentials obtained from Fallback
	Remember bool
}

// Stored returns the remembered Apple ID and password
func (s *StoredCredentials) Stored() (string, string, error) {
	email, err := s.Store.Get(s.Service, EmailKey)
	if err != nil {
		return "", "", err
	}
	password, err := s.Store.Get(s.Service, email)
	if err != nil {
		return "", "", err
	}
	return email, password, nil
}

func (s *StoredCredentials) AskCredentials(ctx context.Context) (string, string, error) {
	email, password, err := s.Stored()
	switch {
	case err == nil:
		log.WithField("apple_id", email).Debug("Using stored credentials")
		return email, password, nil
	case !errors.Is(err, secret.ErrNotFound):
		log.WithError(err).Warn("Failed to read stored credentials")
	}

	if s.Fallback == nil {
		return "", "", secret.ErrNotFound
	}
	email, password, err = s.Fallback.AskCredentials(ctx)
	if err != nil {
		return "", "", err
	}
	if s.Remember {
		if err := s.Save(email, password); err != nil {
			log.WithError(err).Warn("Failed to remember credentials")
		}
	}
	return email, password, nil
}

// Save stores email and password
func (s *StoredCredentials) Save(email, password string) error {
	if err := s.Store.Set(s.Service, email, password); err != nil {
		return err
	}
	return s.Store.Set(s.Service, EmailKey, email)
}

// Forget deletes the stored credentials, if any
func (s *StoredCredentials) Forget() error {
	email, err := s.Store.Get(s.Service, EmailKey)
	if errors.Is(err, secret.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	if err := s.Store.Delete(s.Service, email); err != nil && !errors.Is(err, secret.ErrNotFound) {
		return err
	}
	if err := s.Store.Delete(s.Service, EmailKey); err != nil && !errors.Is(err, secret.ErrNotFound) {
		return err
	}
	return nil
}
