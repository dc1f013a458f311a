package keyagreement

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"

	"github.com/pkg/errors"
)

// Curve is the ECDH curve shared with the wallet.
var Curve = ecdh.P256()

// GenerateKeyPair creates a fresh P-256 keypair.
func GenerateKeyPair() (*ecdh.PrivateKey, error) {
	priv, err := Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate keypair")
	}
	return priv, nil
}

// DeriveSharedSecret returns the raw ECDH output, used directly as the AES-256 key.
func DeriveSharedSecret(priv *ecdh.PrivateKey, peer *ecdh.PublicKey) ([]byte, error) {
	if priv == nil || peer == nil {
		return nil, errors.New("both private and peer public keys are required")
	}
	secret, err := priv.ECDH(peer)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive shared secret")
	}
	return secret, nil
}

// ExportPublicKeyHex encodes pub as hex(SPKI DER).
func ExportPublicKeyHex(pub *ecdh.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal public key")
	}
	return hex.EncodeToString(der), nil
}

// ImportPublicKeyHex decodes a hex(SPKI DER) P-256 public key.
func ImportPublicKeyHex(s string) (*ecdh.PublicKey, error) {
	der, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "public key is not valid hex")
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse public key")
	}
	switch k := parsed.(type) {
	case *ecdsa.PublicKey:
		pub, err := k.ECDH()
		if err != nil {
			return nil, errors.Wrap(err, "unsupported public key curve")
		}
		if pub.Curve() != Curve {
			return nil, errors.New("public key is not on P-256")
		}
		return pub, nil
	case *ecdh.PublicKey:
		if k.Curve() != Curve {
			return nil, errors.New("public key is not on P-256")
		}
		return k, nil
	default:
		return nil, errors.Errorf("unsupported public key type %T", parsed)
	}
}

// ExportPrivateKeyHex encodes priv as hex(PKCS8 DER).
func ExportPrivateKeyHex(priv *ecdh.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal private key")
	}
	return hex.EncodeToString(der), nil
}

// ImportPrivateKeyHex decodes a hex(PKCS8 DER) P-256 private key.
func ImportPrivateKeyHex(s string) (*ecdh.PrivateKey, error) {
	der, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "private key is not valid hex")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse private key")
	}
	switch k := parsed.(type) {
	case *ecdsa.PrivateKey:
		priv, err := k.ECDH()
		if err != nil {
			return nil, errors.Wrap(err, "unsupported private key curve")
		}
		return priv, nil
	case *ecdh.PrivateKey:
		return k, nil
	default:
		return nil, errors.Errorf("unsupported private key type %T", parsed)
	}
}
