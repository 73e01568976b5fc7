// Package secret provides the keyed secret store used for the anisette device
// secret and the stored Apple ID credentials.
package secret

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/99designs/keyring"
	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/apex/log"
)

// ErrNotFound is returned by Get when no value is stored under the key
var ErrNotFound = errors.New("secret not found")

// Store is an opaque get/set/delete keyed secret store
type Store interface {
	Get(service, key string) (string, error)
	Set(service, key, value string) error
	Delete(service, key string) error
}

// Config configures the keyring backed store
type Config struct {
	// Backend forces a keyring backend (keychain, secret-service, wincred, file, ...)
	Backend string
	// FileDir is where the encrypted file backend keeps its data
	FileDir string
	// FilePassword unlocks the file backend; prompted for when empty
	FilePassword string
}

// KeyringStore is a Store backed by one keyring per service name
type KeyringStore struct {
	mu    sync.Mutex
	rings map[string]keyring.Keyring
	open  func(service string) (keyring.Keyring, error)
}

// NewKeyringStore returns a Store backed by the OS keyring
func NewKeyringStore(conf *Config) *KeyringStore {
	return &KeyringStore{
		rings: make(map[string]keyring.Keyring),
		open: func(service string) (keyring.Keyring, error) {
			kc := keyring.Config{
				ServiceName:                    service,
				KeychainSynchronizable:         false,
				KeychainAccessibleWhenUnlocked: true,
				KeychainTrustApplication:       true,
				FileDir:                        filepath.Join(conf.FileDir, service),
				FilePasswordFunc:               conf.filePassword,
			}
			if conf.Backend != "" {
				kc.AllowedBackends = []keyring.BackendType{keyring.BackendType(conf.Backend)}
			}
			return keyring.Open(kc)
		},
	}
}

// NewMemoryStore returns a Store that lives only as long as the process
func NewMemoryStore() *KeyringStore {
	return &KeyringStore{
		rings: make(map[string]keyring.Keyring),
		open: func(string) (keyring.Keyring, error) {
			return keyring.NewArrayKeyring(nil), nil
		},
	}
}

func (c *Config) filePassword(prompt string) (string, error) {
	if len(c.FilePassword) > 0 {
		return c.FilePassword, nil
	}
	msg := "Enter a password to unlock your secrets vault: " + c.FileDir
	if _, err := os.Stat(c.FileDir); errors.Is(err, os.ErrNotExist) {
		msg = "Enter a password to encrypt your secrets vault: " + c.FileDir
	}
	if err := survey.AskOne(&survey.Password{Message: msg}, &c.FilePassword); err != nil {
		if err == terminal.InterruptErr {
			log.Warn("Exiting...")
			os.Exit(0)
		}
		return "", err
	}
	return c.FilePassword, nil
}

func (s *KeyringStore) ring(service string) (keyring.Keyring, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rings[service]; ok {
		return r, nil
	}
	r, err := s.open(service)
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring %s: %w", service, err)
	}
	s.rings[service] = r
	return r, nil
}

// Get returns the secret stored for service/key or ErrNotFound
func (s *KeyringStore) Get(service, key string) (string, error) {
	r, err := s.ring(service)
	if err != nil {
		return "", err
	}
	item, err := r.Get(key)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to read %s/%s from keyring: %w", service, key, err)
	}
	return string(item.Data), nil
}

// Set stores value for service/key replacing any previous value
func (s *KeyringStore) Set(service, key, value string) error {
	r, err := s.ring(service)
	if err != nil {
		return err
	}
	if err := r.Set(keyring.Item{
		Key:         key,
		Data:        []byte(value),
		Label:       service,
		Description: key,
	}); err != nil {
		return fmt.Errorf("failed to write %s/%s to keyring: %w", service, key, err)
	}
	return nil
}

// Delete removes service/key; deleting a missing key is not an error
func (s *KeyringStore) Delete(service, key string) error {
	r, err := s.ring(service)
	if err != nil {
		return err
	}
	if err := r.Remove(key); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete %s/%s from keyring: %w", service, key, err)
	}
	return nil
}
