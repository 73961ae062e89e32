package filekv

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jrsteele09/go-devtracker-auth/storage"
	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

var _ storage.KV = (*Store)(nil)

const (
	saltLength   = 16
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// ErrEncrypted is returned when an encrypted file is opened without a passphrase.
var ErrEncrypted = errors.New("storage file is encrypted")

// sealedFile is the on-disk layout when a passphrase is configured.
type sealedFile struct {
	Version int    `json:"v"`
	Salt    []byte `json:"salt"`
	Nonce   []byte `json:"nonce"`
	Data    []byte `json:"data"`
}

// Store keeps all keys in a single JSON file. Writes go to a temp file that is
// renamed over the original so a crash never leaves a truncated file behind.
type Store struct {
	path       string
	passphrase []byte

	// key derived from passphrase for salt
	salt []byte
	key  []byte

	mu sync.Mutex
}

type Option func(*Store)

// WithPassphrase seals the file with XChaCha20-Poly1305 under an Argon2id derived key.
func WithPassphrase(passphrase string) Option {
	return func(s *Store) {
		if passphrase != "" {
			s.passphrase = []byte(passphrase)
		}
	}
}

func New(path string, options ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("[filekv.New] path is required")
	}
	s := &Store{path: path}
	for _, opt := range options {
		opt(s)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrap(err, "[filekv.New] create data folder")
	}
	return s, nil
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	values, err := s.MultiGet(ctx, key)
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.MultiSet(ctx, map[string]string{key: value})
}

func (s *Store) MultiGet(ctx context.Context, keys ...string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := values[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (s *Store) MultiSet(ctx context.Context, pairs map[string]string) error {
	return s.update(ctx, func(values map[string]string) {
		for k, v := range pairs {
			values[k] = v
		}
	})
}

func (s *Store) MultiRemove(ctx context.Context, keys ...string) error {
	return s.update(ctx, func(values map[string]string) {
		for _, k := range keys {
			delete(values, k)
		}
	})
}

func (s *Store) update(ctx context.Context, mutate func(map[string]string)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.read()
	if err != nil {
		return err
	}
	mutate(values)
	return s.write(values)
}

func (s *Store) read() (map[string]string, error) {
	values := make(map[string]string)
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return values, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read storage file")
	}
	if len(data) == 0 {
		return values, nil
	}

	// a plain file read with a passphrase configured is sealed on the next write
	var sealed sealedFile
	if json.Unmarshal(data, &sealed) == nil && sealed.Version > 0 {
		if s.passphrase == nil {
			return nil, ErrEncrypted
		}
		if data, err = s.open(sealed); err != nil {
			return nil, err
		}
	}

	if err := json.Unmarshal(data, &values); err != nil {
		return nil, errors.Wrap(err, "decode storage file")
	}
	return values, nil
}

func (s *Store) write(values map[string]string) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode storage file")
	}
	if s.passphrase != nil {
		sealed, err := s.seal(data)
		if err != nil {
			return err
		}
		if data, err = json.Marshal(sealed); err != nil {
			return errors.Wrap(err, "encode sealed file")
		}
	}

	tempFile := s.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return errors.Wrap(err, "write temp file")
	}
	if err := os.Rename(tempFile, s.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf("rename temp file: %v; additionally failed to remove temp file: %w", err, removeErr)
		}
		return errors.Wrap(err, "rename temp file")
	}
	return nil
}

func (s *Store) deriveKey(salt []byte) []byte {
	if s.key != nil && string(s.salt) == string(salt) {
		return s.key
	}
	s.salt = append([]byte(nil), salt...)
	s.key = argon2.IDKey(s.passphrase, salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
	return s.key
}

func (s *Store) seal(plain []byte) (*sealedFile, error) {
	salt := s.salt
	if salt == nil {
		salt = make([]byte, saltLength)
		if _, err := rand.Read(salt); err != nil {
			return nil, errors.Wrap(err, "generate salt")
		}
	}
	aead, err := chacha20poly1305.NewX(s.deriveKey(salt))
	if err != nil {
		return nil, errors.Wrap(err, "create cipher")
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "generate nonce")
	}
	return &sealedFile{
		Version: 1,
		Salt:    salt,
		Nonce:   nonce,
		Data:    aead.Seal(nil, nonce, plain, nil),
	}, nil
}

func (s *Store) open(sealed sealedFile) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.deriveKey(sealed.Salt))
	if err != nil {
		return nil, errors.Wrap(err, "create cipher")
	}
	if len(sealed.Nonce) != aead.NonceSize() {
		return nil, errors.New("sealed file has a malformed nonce")
	}
	plain, err := aead.Open(nil, sealed.Nonce, sealed.Data, nil)
	if err != nil {
		return nil, errors.Wrap(err, "decrypt storage file (wrong passphrase?)")
	}
	return plain, nil
}
