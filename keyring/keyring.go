// Package keyring provides secure credential storage.
// It uses the system keyring when available, falling back to
// encrypted local file storage when not.
package keyring

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/yllada/vpn-core/common"
	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// serviceName is the identifier used in the system keyring.
	serviceName = "vpn-core"
	// tokenKey is the account under which the backend token is stored.
	tokenKey = "backend-token"
)

// Backend is a key/value secret store.
type Backend interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// systemBackend uses the desktop secret service.
type systemBackend struct{}

func (systemBackend) Get(key string) (string, error) {
	v, err := keyring.Get(serviceName, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", common.ErrCredentialsNotFound
	}
	return v, err
}

func (systemBackend) Set(key, value string) error {
	return keyring.Set(serviceName, key, value)
}

func (systemBackend) Delete(key string) error {
	err := keyring.Delete(serviceName, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

// Store keeps secrets in the system keyring, or in an encrypted file
// when no keyring service is reachable.
type Store struct {
	mu       sync.Mutex
	primary  Backend
	fallback *FileBackend
	useLocal bool
}

// New probes the system keyring and prepares the file fallback in dir.
func New(dir string) *Store {
	s := &Store{primary: systemBackend{}, fallback: NewFileBackend(filepath.Join(dir, common.CredentialsFileName), machineSecret())}

	testKey := "vpn-core-test-init"
	if err := keyring.Set(serviceName, testKey, "test"); err != nil {
		common.LogWarn("System keyring unavailable, using encrypted file: %v", err)
		s.useLocal = true
	} else {
		_ = keyring.Delete(serviceName, testKey)
	}
	return s
}

// NewWithBackends builds a Store from explicit backends.
func NewWithBackends(primary Backend, fallback *FileBackend) *Store {
	return &Store{primary: primary, fallback: fallback, useLocal: primary == nil}
}

// Get retrieves a secret.
func (s *Store) Get(key string) (string, error) {
	if key == "" {
		return "", errors.New("key cannot be empty")
	}
	s.mu.Lock()
	useLocal := s.useLocal
	s.mu.Unlock()

	if !useLocal {
		v, err := s.primary.Get(key)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, common.ErrCredentialsNotFound) {
			common.LogDebug("Keyring read failed, trying file store: %v", err)
		}
	}
	return s.fallback.Get(key)
}

// Set stores a secret, switching to the file store if the keyring fails.
func (s *Store) Set(key, value string) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}
	if value == "" {
		return errors.New("value cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.useLocal {
		err := s.primary.Set(key, value)
		if err == nil {
			return nil
		}
		common.LogWarn("Keyring write failed, switching to encrypted file: %v", err)
		s.useLocal = true
	}
	if err := s.fallback.Set(key, value); err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	return nil
}

// Delete removes a secret from both stores.
func (s *Store) Delete(key string) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}
	s.mu.Lock()
	useLocal := s.useLocal
	s.mu.Unlock()

	if !useLocal {
		if err := s.primary.Delete(key); err != nil {
			common.LogWarn("Keyring delete failed: %v", err)
		}
	}
	return s.fallback.Delete(key)
}

// Exists checks if a secret is stored.
func (s *Store) Exists(key string) bool {
	_, err := s.Get(key)
	return err == nil
}

// Token returns the backend bearer token.
func (s *Store) Token() (string, error) { return s.Get(tokenKey) }

// SetToken stores the backend bearer token.
func (s *Store) SetToken(token string) error {
	return s.Set(tokenKey, strings.TrimSpace(token))
}

// ClearToken removes the backend bearer token.
func (s *Store) ClearToken() error { return s.Delete(tokenKey) }

var _ common.TokenStore = (*Store)(nil)

// FileBackend is an XChaCha20-Poly1305 encrypted JSON map on disk.
type FileBackend struct {
	mu   sync.Mutex
	path string
	key  []byte
}

// NewFileBackend derives the file key from secret.
func NewFileBackend(path string, secret []byte) *FileBackend {
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, secret, []byte(serviceName), []byte("credential-file"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		panic(fmt.Sprintf("hkdf: %v", err))
	}
	return &FileBackend{path: path, key: key}
}

func machineSecret() []byte {
	hostname, _ := os.Hostname()
	machineID := "default-machine-id"
	if data, err := os.ReadFile("/etc/machine-id"); err == nil {
		machineID = strings.TrimSpace(string(data))
	}
	return []byte(fmt.Sprintf("%s-%s-%d", hostname, machineID, os.Getuid()))
}

// Get returns a stored value.
func (f *FileBackend) Get(key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	store, err := f.load()
	if err != nil {
		return "", err
	}
	v, ok := store[key]
	if !ok {
		return "", common.ErrCredentialsNotFound
	}
	return v, nil
}

// Set stores a value.
func (f *FileBackend) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	store, err := f.load()
	if err != nil {
		return err
	}
	store[key] = value
	return f.save(store)
}

// Delete removes a value; a missing value is not an error.
func (f *FileBackend) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	store, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := store[key]; !ok {
		return nil
	}
	delete(store, key)
	return f.save(store)
}

func (f *FileBackend) load() (map[string]string, error) {
	store := make(map[string]string)
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return store, nil
	}
	if err != nil {
		return nil, err
	}
	plain, err := f.decrypt(data)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(plain, &store); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	return store, nil
}

func (f *FileBackend) save(store map[string]string) error {
	data, err := json.Marshal(store)
	if err != nil {
		return err
	}
	enc, err := f.encrypt(data)
	if err != nil {
		return err
	}
	if err := common.EnsureDir(filepath.Dir(f.path)); err != nil {
		return err
	}
	return os.WriteFile(f.path, enc, 0600)
}

func (f *FileBackend) encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(f.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEncryption, err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEncryption, err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return []byte(base64.StdEncoding.EncodeToString(sealed)), nil
}

func (f *FileBackend) decrypt(data []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	aead, err := chacha20poly1305.NewX(f.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	if len(raw) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", common.ErrDecryption)
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	return plain, nil
}
