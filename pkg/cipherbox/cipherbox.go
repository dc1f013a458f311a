// Package cipherbox seals JSON payloads with AES-256-GCM into a single hex
// string: hex(iv || ciphertext || tag).
package cipherbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"reflect"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/Layr-Labs/walletlink-go/pkg/sdkerrors"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// IVSize is the GCM nonce length in bytes.
	IVSize = 12
	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16
)

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, errors.Errorf("invalid key length %d, expected %d", len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create gcm")
	}
	return gcm, nil
}

// Encrypt seals plaintext under key with a fresh random IV.
func Encrypt(key []byte, plaintext string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return "", errors.Wrap(err, "failed to generate iv")
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	out := make([]byte, 0, IVSize+len(sealed))
	out = append(out, iv...)
	out = append(out, sealed...)
	return hex.EncodeToString(out), nil
}

// Decrypt opens a value produced by Encrypt. Any malformed input, tag
// mismatch or non UTF-8 plaintext is a DecryptFailure; no partial output is
// ever returned.
func Decrypt(key []byte, cipherHex string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", sdkerrors.DecryptFailure(err.Error())
	}

	raw, err := hex.DecodeString(cipherHex)
	if err != nil {
		return "", sdkerrors.DecryptFailure("ciphertext is not valid hex")
	}
	if len(raw) < IVSize+TagSize {
		return "", sdkerrors.DecryptFailure("ciphertext too short")
	}

	plain, err := gcm.Open(nil, raw[:IVSize], raw[IVSize:], nil)
	if err != nil {
		return "", sdkerrors.DecryptFailure("authentication failed")
	}
	if !utf8.Valid(plain) {
		return "", sdkerrors.DecryptFailure("plaintext is not valid utf-8")
	}
	return string(plain), nil
}

// EncryptJSON marshals v and encrypts the result.
func EncryptJSON(key []byte, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal payload")
	}
	return Encrypt(key, string(data))
}

// DecryptJSON decrypts cipherHex and unmarshals the plaintext into out.
// out is only written when both steps succeed.
func DecryptJSON(key []byte, cipherHex string, out any) error {
	plain, err := Decrypt(key, cipherHex)
	if err != nil {
		return err
	}
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.New("decrypt target must be a non-nil pointer")
	}
	if !json.Valid([]byte(plain)) {
		return sdkerrors.DecryptFailure("plaintext is not valid json")
	}
	tmp := reflect.New(rv.Elem().Type())
	if err := json.Unmarshal([]byte(plain), tmp.Interface()); err != nil {
		return sdkerrors.DecryptFailure("plaintext does not match expected shape: " + err.Error())
	}
	rv.Elem().Set(tmp.Elem())
	return nil
}

// KeyFromHex decodes a hex encoded 32 byte key, such as a relay session secret.
func KeyFromHex(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "key is not valid hex")
	}
	if len(key) != KeySize {
		return nil, errors.Errorf("invalid key length %d, expected %d", len(key), KeySize)
	}
	return key, nil
}
