package application

import (
	"crypto/sha256"
	"fmt"

	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/arkade-os/custodyd/pkg/errors"
)

// DerivedKey is the ephemeral 32-byte signing scalar (or ed25519 seed) of one user on
// one chain family. Callers must Zero it once done.
type DerivedKey struct {
	key [32]byte
}

func (k *DerivedKey) Bytes() []byte {
	return k.key[:]
}

func (k *DerivedKey) Zero() {
	for i := range k.key {
		k.key[i] = 0
	}
}

// KeyDerivationService derives per-user signing keys. Only the hash of the master
// seed is retained.
type KeyDerivationService struct {
	seedHash [32]byte
}

func NewKeyDerivationService(masterSeed []byte) (*KeyDerivationService, error) {
	if len(masterSeed) == 0 {
		return nil, errors.KEY_DERIVATION_FAILED.New("master seed not loaded")
	}
	return &KeyDerivationService{seedHash: sha256.Sum256(masterSeed)}, nil
}

// Derive returns SHA256(SHA256(seed) || "{userID}-{FAMILY}").
func (k *KeyDerivationService) Derive(userID string, family domain.ChainFamily) (*DerivedKey, error) {
	if k == nil {
		return nil, errors.KEY_DERIVATION_FAILED.New("key derivation service not initialized")
	}
	if !family.IsValid() {
		return nil, errors.CONFIGURATION_ERROR.New("unsupported chain family %d", family).
			WithMetadata(errors.ConfigurationMetadata{Chain: family.String()})
	}
	if userID == "" {
		return nil, errors.VALIDATION_FAILED.New("missing user id").
			WithMetadata(errors.ValidationMetadata{Field: "user_id", Chain: family.String()})
	}

	h := sha256.New()
	h.Write(k.seedHash[:])
	h.Write([]byte(fmt.Sprintf("%s-%s", userID, family)))

	key := &DerivedKey{}
	copy(key.key[:], h.Sum(nil))
	return key, nil
}

// DeriveForAsset derives the key of the chain family the asset symbol belongs to.
// Unknown symbols fail closed.
func (k *KeyDerivationService) DeriveForAsset(userID, symbol string) (*DerivedKey, error) {
	family, err := domain.FamilyForAsset(symbol)
	if err != nil {
		return nil, errors.CONFIGURATION_ERROR.Wrap(err).
			WithMetadata(errors.ConfigurationMetadata{Asset: symbol})
	}
	return k.Derive(userID, family)
}
