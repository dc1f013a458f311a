package persistence

import "fmt"

// Type names a storage backend.
type Type string

const (
	TypeMemory Type = "memory"
	TypeBadger Type = "badger"
	TypeRedis  Type = "redis"
)

// ParseType validates a backend name.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeMemory, TypeBadger, TypeRedis:
		return Type(s), nil
	default:
		return "", fmt.Errorf("unsupported persistence type %q (expected memory, badger or redis)", s)
	}
}

// Well-known scopes. Each SDK subsystem writes only inside its own scope so
// that clearing one never wipes another.
const (
	ScopeWalletLink = "walletlink"
	ScopeKeyManager = "CBWSDK:SCWKeyManager"
	ScopeSigner     = "CBWSDK:SCWStateManager"
)
