package seedloader

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/scrypt"
)

const (
	// Scrypt parameters for key derivation
	scryptN = 32768
	scryptR = 8
	scryptP = 1

	saltSize    = 32
	nonceSize   = 12
	minSeedSize = 16
)

var ErrNoSeedSource = errors.New("no master seed source configured")

// Source tells where the master seed comes from. Exactly one of Mnemonic, Hex and
// File must be set.
type Source struct {
	Mnemonic   string
	Passphrase string
	Hex        string
	// File holds the seed encrypted with Encrypt, raw or hex encoded.
	File     string
	Password string
}

func (s Source) String() string {
	switch {
	case s.Mnemonic != "":
		return "mnemonic"
	case s.Hex != "":
		return "hex"
	case s.File != "":
		return fmt.Sprintf("encrypted file %s", s.File)
	default:
		return "none"
	}
}

func Load(src Source) ([]byte, error) {
	sources := 0
	for _, v := range []string{src.Mnemonic, src.Hex, src.File} {
		if v != "" {
			sources++
		}
	}
	if sources == 0 {
		return nil, ErrNoSeedSource
	}
	if sources > 1 {
		return nil, fmt.Errorf("master seed must come from exactly one source")
	}

	switch {
	case src.Mnemonic != "":
		return FromMnemonic(src.Mnemonic, src.Passphrase)
	case src.Hex != "":
		return FromHex(src.Hex)
	default:
		return FromEncryptedFile(src.File, src.Password)
	}
}

// FromMnemonic returns the 64-byte BIP-39 seed of the mnemonic.
func FromMnemonic(mnemonic, passphrase string) ([]byte, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, fmt.Errorf("invalid mnemonic: %w", err)
	}
	return seed, nil
}

func FromHex(s string) ([]byte, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid hex seed")
	}
	if len(seed) < minSeedSize {
		return nil, fmt.Errorf("seed must be at least %d bytes, got %d", minSeedSize, len(seed))
	}
	return seed, nil
}

func FromEncryptedFile(path, password string) ([]byte, error) {
	if password == "" {
		return nil, fmt.Errorf("missing password for encrypted seed file")
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	if decoded, err := hex.DecodeString(strings.TrimSpace(string(buf))); err == nil {
		buf = decoded
	}
	seed, err := Decrypt(buf, password)
	if err != nil {
		return nil, err
	}
	if len(seed) < minSeedSize {
		return nil, fmt.Errorf("decrypted seed too short")
	}
	return seed, nil
}

// Encrypt encrypts the seed using AES-GCM with a key derived from the password using
// scrypt. The result is salt || nonce || ciphertext.
func Encrypt(seed []byte, password string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, seed, nil)

	encrypted := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	encrypted = append(encrypted, salt...)
	encrypted = append(encrypted, nonce...)
	encrypted = append(encrypted, ciphertext...)
	return encrypted, nil
}

func Decrypt(encrypted []byte, password string) ([]byte, error) {
	if len(encrypted) < saltSize+nonceSize+1 {
		return nil, fmt.Errorf("encrypted data too short")
	}

	salt := encrypted[:saltSize]
	nonce := encrypted[saltSize : saltSize+nonceSize]
	ciphertext := encrypted[saltSize+nonceSize:]

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}

	seed, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		// Do not leak whether the password or the data is wrong.
		return nil, fmt.Errorf("failed to decrypt seed")
	}
	return seed, nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
