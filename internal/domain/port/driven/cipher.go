package driven

import (
	"errors"

	"github.com/ericfisherdev/mailgate/internal/domain/model"
)

// ErrIntegrity is returned when authenticated decryption fails because the
// ciphertext, IV or tag was altered or the key is wrong.
var ErrIntegrity = errors.New("integrity check failed")

// Cipher defines the driven port for authenticated encryption of secrets and
// keyed hashing. Decrypt must return ErrIntegrity (possibly wrapped) rather
// than a wrong plaintext when verification fails.
type Cipher interface {
	// Encrypt seals plaintext with a fresh random IV on every call.
	Encrypt(plaintext string) (model.EncryptedField, error)
	Decrypt(field model.EncryptedField) (string, error)

	// KeyedHash returns the hex HMAC of data under secret.
	KeyedHash(data, secret []byte) string
	// VerifyKeyedHash compares in constant time.
	VerifyKeyedHash(data, secret []byte, digest string) bool
}
