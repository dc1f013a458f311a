package keyagreement

import (
	"crypto/ecdh"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Layr-Labs/walletlink-go/pkg/persistence"
)

// Storage keys for key material, all hex encoded.
const (
	OwnPrivateKeyStorageKey = "ownPrivateKey"
	OwnPublicKeyStorageKey  = "ownPublicKey"
	PeerPublicKeyStorageKey = "peerPublicKey"
)

// KeyManager owns the local ECDH keypair, the peer's public key and the
// derived shared secret. The secret is never produced until both an own
// private key and a peer public key are present, and is dropped whenever the
// peer key changes.
type KeyManager struct {
	storage persistence.Storage
	logger  *zap.Logger

	mu            sync.Mutex
	ownPrivateKey *ecdh.PrivateKey
	ownPublicKey  *ecdh.PublicKey
	peerPublicKey *ecdh.PublicKey
	sharedSecret  []byte
}

// NewKeyManager creates a KeyManager persisting through storage.
func NewKeyManager(storage persistence.Storage, logger *zap.Logger) *KeyManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyManager{
		storage: storage,
		logger:  logger,
	}
}

// GetOwnPublicKey returns the local public key, generating and persisting a
// keypair on first use. The public half is always derived from the private
// key so the two can never disagree.
func (k *KeyManager) GetOwnPublicKey() (*ecdh.PublicKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.loadKeysIfNeeded(); err != nil {
		return nil, err
	}
	if k.ownPrivateKey == nil {
		if err := k.generateKeyPair(); err != nil {
			return nil, err
		}
	}
	return k.ownPublicKey, nil
}

// GetOwnPublicKeyHex is GetOwnPublicKey in exportable SPKI hex form.
func (k *KeyManager) GetOwnPublicKeyHex() (string, error) {
	pub, err := k.GetOwnPublicKey()
	if err != nil {
		return "", err
	}
	return ExportPublicKeyHex(pub)
}

// SetPeerPublicKey stores the peer key and invalidates any cached secret.
func (k *KeyManager) SetPeerPublicKey(pub *ecdh.PublicKey) error {
	if pub == nil {
		return errors.New("peer public key is nil")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.sharedSecret = nil
	k.peerPublicKey = pub

	encoded, err := ExportPublicKeyHex(pub)
	if err != nil {
		return err
	}
	if err := k.storage.SetItem(PeerPublicKeyStorageKey, encoded); err != nil {
		return errors.Wrap(err, "failed to persist peer public key")
	}
	return nil
}

// GetSharedSecret returns nil until both an own private key and a peer
// public key exist; then derives and caches the ECDH secret.
func (k *KeyManager) GetSharedSecret() ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.loadKeysIfNeeded(); err != nil {
		return nil, err
	}
	if k.sharedSecret != nil {
		return k.sharedSecret, nil
	}
	if k.ownPrivateKey == nil || k.peerPublicKey == nil {
		return nil, nil
	}

	secret, err := DeriveSharedSecret(k.ownPrivateKey, k.peerPublicKey)
	if err != nil {
		return nil, err
	}
	k.sharedSecret = secret
	return secret, nil
}

// Clear wipes all key artifacts from memory and storage.
func (k *KeyManager) Clear() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.ownPrivateKey = nil
	k.ownPublicKey = nil
	k.peerPublicKey = nil
	k.sharedSecret = nil

	for _, key := range []string{OwnPrivateKeyStorageKey, OwnPublicKeyStorageKey, PeerPublicKeyStorageKey} {
		if err := k.storage.RemoveItem(key); err != nil {
			return errors.Wrapf(err, "failed to remove %s", key)
		}
	}
	return nil
}

func (k *KeyManager) generateKeyPair() error {
	priv, err := GenerateKeyPair()
	if err != nil {
		return err
	}

	privHex, err := ExportPrivateKeyHex(priv)
	if err != nil {
		return err
	}
	pubHex, err := ExportPublicKeyHex(priv.PublicKey())
	if err != nil {
		return err
	}
	if err := k.storage.SetItem(OwnPrivateKeyStorageKey, privHex); err != nil {
		return errors.Wrap(err, "failed to persist private key")
	}
	if err := k.storage.SetItem(OwnPublicKeyStorageKey, pubHex); err != nil {
		return errors.Wrap(err, "failed to persist public key")
	}

	k.ownPrivateKey = priv
	k.ownPublicKey = priv.PublicKey()
	k.logger.Sugar().Debugw("Generated new ECDH keypair")
	return nil
}

// loadKeysIfNeeded fills in-memory keys from storage. Unreadable stored
// keys are logged and treated as absent.
func (k *KeyManager) loadKeysIfNeeded() error {
	if k.ownPrivateKey == nil {
		v, ok, err := k.storage.GetItem(OwnPrivateKeyStorageKey)
		if err != nil {
			return err
		}
		if ok {
			priv, err := ImportPrivateKeyHex(v)
			if err != nil {
				k.logger.Sugar().Warnw("Discarding unreadable stored private key", "error", err)
			} else {
				k.ownPrivateKey = priv
			}
		}
	}

	if k.ownPublicKey == nil && k.ownPrivateKey != nil {
		k.ownPublicKey = k.ownPrivateKey.PublicKey()
	}

	if k.peerPublicKey == nil {
		v, ok, err := k.storage.GetItem(PeerPublicKeyStorageKey)
		if err != nil {
			return err
		}
		if ok {
			pub, err := ImportPublicKeyHex(v)
			if err != nil {
				k.logger.Sugar().Warnw("Discarding unreadable stored peer public key", "error", err)
			} else {
				k.peerPublicKey = pub
			}
		}
	}
	return nil
}
