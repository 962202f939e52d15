package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zalando/go-keyring"
)

// ErrNoCredentials is returned when nothing is stored for an account.
var ErrNoCredentials = errors.New("no stored credentials")

// StorageBackend persists one opaque credential blob per account.
type StorageBackend interface {
	Save(account string, data []byte) error
	Load(account string) ([]byte, error)
	Delete(account string) error
	Name() string
}

// KeyringStorage keeps credentials in the system keyring.
type KeyringStorage struct {
	service string
}

func NewKeyringStorage(service string) *KeyringStorage {
	return &KeyringStorage{service: service}
}

func (s *KeyringStorage) Save(account string, data []byte) error {
	return keyring.Set(s.service, account, string(data))
}

func (s *KeyringStorage) Load(account string) ([]byte, error) {
	data, err := keyring.Get(s.service, account)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, ErrNoCredentials
	}
	if err != nil {
		return nil, err
	}
	return []byte(data), nil
}

func (s *KeyringStorage) Delete(account string) error {
	err := keyring.Delete(s.service, account)
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrNoCredentials
	}
	return err
}

func (s *KeyringStorage) Name() string { return "system-keyring" }

// EncryptedFileStorage keeps AES-GCM sealed credential files under
// <dir>/credentials, with the key in <dir>/.keyfile.
type EncryptedFileStorage struct {
	dir string
	key []byte
}

func NewEncryptedFileStorage(dir string) (*EncryptedFileStorage, error) {
	key, err := loadOrCreateKey(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get encryption key: %w", err)
	}
	return &EncryptedFileStorage{dir: dir, key: key}, nil
}

func (s *EncryptedFileStorage) Save(account string, data []byte) error {
	sealed, err := s.seal(data)
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}
	p := s.path(account)
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		return err
	}
	return os.WriteFile(p, sealed, 0600)
}

func (s *EncryptedFileStorage) Load(account string) ([]byte, error) {
	sealed, err := os.ReadFile(s.path(account))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoCredentials
	}
	if err != nil {
		return nil, err
	}
	return s.open(sealed)
}

func (s *EncryptedFileStorage) Delete(account string) error {
	err := os.Remove(s.path(account))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNoCredentials
	}
	return err
}

func (s *EncryptedFileStorage) Name() string { return "encrypted-file" }

func (s *EncryptedFileStorage) path(account string) string {
	return filepath.Join(s.dir, "credentials", base64.RawURLEncoding.EncodeToString([]byte(account))+".enc")
}

func (s *EncryptedFileStorage) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (s *EncryptedFileStorage) seal(plaintext []byte) ([]byte, error) {
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *EncryptedFileStorage) open(sealed []byte) ([]byte, error) {
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("invalid ciphertext")
	}
	nonce, body := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials: %w", err)
	}
	return plaintext, nil
}

func loadOrCreateKey(dir string) ([]byte, error) {
	keyFile := filepath.Join(dir, ".keyfile")
	if data, err := os.ReadFile(keyFile); err == nil {
		if key, err := base64.StdEncoding.DecodeString(string(data)); err == nil && len(key) == 32 {
			return key, nil
		}
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyFile, []byte(base64.StdEncoding.EncodeToString(key)), 0600); err != nil {
		return nil, err
	}
	return key, nil
}
