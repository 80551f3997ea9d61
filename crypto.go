package offline

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// EncryptionNonceSize is the nonce size for AES-GCM
	EncryptionNonceSize = 12
	// EncryptionSaltSize is the salt size for key derivation
	EncryptionSaltSize = 32
	// EncryptionKeySize is the AES-256 key size
	EncryptionKeySize = 32
	// PBKDF2Iterations is the number of iterations for key derivation
	PBKDF2Iterations = 100000
)

// EncryptionConfig configures encryption at rest for cached response bodies
// and queued action bodies.
type EncryptionConfig struct {
	// Enabled turns on encryption for stored bodies
	Enabled bool
	// Key is the encryption key (must be 32 bytes for AES-256)
	// If empty, KeyPassword is used to derive a key
	Key []byte
	// KeyPassword is used to derive the encryption key via PBKDF2
	KeyPassword string
}

// Encryptor provides encryption/decryption for stored blobs.
type Encryptor struct {
	gcm  cipher.AEAD
	salt []byte
}

// NewEncryptor creates a new encryptor from a key or password. The salt is
// used for password key derivation; pass nil to generate a fresh one, or the
// previously persisted salt to decrypt existing data.
func NewEncryptor(cfg *EncryptionConfig, salt []byte) (*Encryptor, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	if salt == nil {
		salt = make([]byte, EncryptionSaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
	}
	if len(salt) != EncryptionSaltSize {
		return nil, errors.New("invalid salt size")
	}

	var key []byte
	switch {
	case len(cfg.Key) > 0:
		if len(cfg.Key) != EncryptionKeySize {
			return nil, errors.New("encryption key must be 32 bytes for AES-256")
		}
		key = cfg.Key
	case cfg.KeyPassword != "":
		key = pbkdf2.Key([]byte(cfg.KeyPassword), salt, PBKDF2Iterations, EncryptionKeySize, sha256.New)
	default:
		return nil, errors.New("encryption enabled but no key or password provided")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Encryptor{gcm: gcm, salt: salt}, nil
}

// Salt returns the key derivation salt so the caller can persist it.
func (e *Encryptor) Salt() []byte {
	return e.salt
}

// Encrypt seals data with a random nonce prepended to the ciphertext.
func (e *Encryptor) Encrypt(data []byte) ([]byte, error) {
	nonce := make([]byte, EncryptionNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := e.gcm.Seal(nil, nonce, data, nil)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Decrypt opens data produced by Encrypt.
func (e *Encryptor) Decrypt(data []byte) ([]byte, error) {
	if len(data) < EncryptionNonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce, sealed := data[:EncryptionNonceSize], data[EncryptionNonceSize:]
	return e.gcm.Open(nil, nonce, sealed, nil)
}
