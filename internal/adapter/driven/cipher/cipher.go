// Package cipher implements the Cipher port with AES-256-GCM under a key
// derived from the process master secret, plus the password hashing, token
// and keyed-hash primitives the rest of the module needs.
package cipher

import (
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"

	"github.com/ericfisherdev/mailgate/internal/domain/model"
	"github.com/ericfisherdev/mailgate/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.Cipher = (*Service)(nil)

const (
	keyLen = 32 // AES-256.
	ivLen  = 12 // GCM standard nonce size.
	tagLen = 16

	// scrypt parameters for master key derivation.
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1

	// MinPasswordCost is the lowest bcrypt cost the service accepts.
	MinPasswordCost = 10
	// DefaultPasswordCost is used when no cost option is given.
	DefaultPasswordCost = 12
)

// ErrConfiguration matches every ConfigError via errors.Is.
var ErrConfiguration = errors.New("cipher configuration error")

// ConfigError reports a missing startup secret. It is not recoverable at runtime.
type ConfigError struct {
	Missing string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("cipher configuration: %s is not set", e.Missing)
}

// Is lets errors.Is(err, ErrConfiguration) match.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

// Option configures a Service.
type Option func(*Service)

// WithPasswordCost sets the bcrypt cost. Values below MinPasswordCost are raised to it.
func WithPasswordCost(cost int) Option {
	return func(s *Service) {
		if cost < MinPasswordCost {
			cost = MinPasswordCost
		}
		s.passwordCost = cost
	}
}

// Service performs authenticated encryption with a key derived once at
// construction. It is safe for concurrent use.
type Service struct {
	aead         gocipher.AEAD
	master       []byte
	salt         []byte
	passwordCost int
}

// New derives the encryption key from masterSecret and salt with scrypt.
// Returns a *ConfigError if either is empty.
func New(masterSecret, salt string, opts ...Option) (*Service, error) {
	if masterSecret == "" {
		return nil, &ConfigError{Missing: "master secret"}
	}
	if salt == "" {
		return nil, &ConfigError{Missing: "encryption salt"}
	}

	key, err := scrypt.Key([]byte(masterSecret), []byte(salt), scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := gocipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}

	s := &Service{
		aead:         aead,
		master:       []byte(masterSecret),
		salt:         []byte(salt),
		passwordCost: DefaultPasswordCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Encrypt seals plaintext under a fresh random IV and returns ciphertext, IV
// and tag as separate base64 strings.
func (s *Service) Encrypt(plaintext string) (model.EncryptedField, error) {
	iv := make([]byte, ivLen)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return model.EncryptedField{}, fmt.Errorf("rand iv: %w", err)
	}

	// Seal returns ciphertext || tag.
	sealed := s.aead.Seal(nil, iv, []byte(plaintext), nil)
	split := len(sealed) - tagLen

	return model.EncryptedField{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed[:split]),
		IV:         base64.StdEncoding.EncodeToString(iv),
		Tag:        base64.StdEncoding.EncodeToString(sealed[split:]),
	}, nil
}

// Decrypt opens field. Any malformed part or failed tag check is reported as
// driven.ErrIntegrity; a wrong plaintext is never returned.
func (s *Service) Decrypt(field model.EncryptedField) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(field.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", driven.ErrIntegrity)
	}
	iv, err := base64.StdEncoding.DecodeString(field.IV)
	if err != nil || len(iv) != ivLen {
		return "", fmt.Errorf("decode iv: %w", driven.ErrIntegrity)
	}
	tag, err := base64.StdEncoding.DecodeString(field.Tag)
	if err != nil || len(tag) != tagLen {
		return "", fmt.Errorf("decode tag: %w", driven.ErrIntegrity)
	}

	sealed := make([]byte, 0, len(ciphertext)+tagLen)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := s.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("gcm.Open: %w", driven.ErrIntegrity)
	}
	return string(plaintext), nil
}

// HashPassword returns a salted bcrypt hash at the configured cost.
func (s *Service) HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password cannot be empty")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), s.passwordCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", errors.New("password is too long")
		}
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}

// VerifyPassword reports whether password matches hash.
func (s *Service) VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// GenerateToken returns lengthBytes of crypto/rand output as lower-case hex.
func (s *Service) GenerateToken(lengthBytes int) (string, error) {
	if lengthBytes <= 0 {
		return "", fmt.Errorf("token length must be positive, got %d", lengthBytes)
	}
	buf := make([]byte, lengthBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// KeyedHash returns the hex HMAC-SHA256 of data under secret.
func (s *Service) KeyedHash(data, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyKeyedHash recomputes the HMAC and compares it in constant time.
func (s *Service) VerifyKeyedHash(data, secret []byte, digest string) bool {
	want, err := hex.DecodeString(digest)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return hmac.Equal(mac.Sum(nil), want)
}

// DeriveKey returns a 32-byte subkey of the master secret bound to purpose.
// Different purposes yield independent keys.
func (s *Service) DeriveKey(purpose string) ([]byte, error) {
	if purpose == "" {
		return nil, errors.New("key purpose cannot be empty")
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.master, s.salt, []byte(purpose)), key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", purpose, err)
	}
	return key, nil
}
