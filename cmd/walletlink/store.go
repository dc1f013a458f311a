package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Layr-Labs/walletlink-go/pkg/config"
	"github.com/Layr-Labs/walletlink-go/pkg/persistence"
	"github.com/Layr-Labs/walletlink-go/pkg/persistence/badger"
	"github.com/Layr-Labs/walletlink-go/pkg/persistence/memory"
	"github.com/Layr-Labs/walletlink-go/pkg/persistence/redis"
)

// openBackend opens the storage backend selected by cfg.
func openBackend(cfg *config.SDKConfig, l *zap.Logger) (persistence.IKeyValueStore, error) {
	t, err := persistence.ParseType(cfg.PersistenceType)
	if err != nil {
		return nil, err
	}
	switch t {
	case persistence.TypeBadger:
		return badger.NewBadgerPersistence(cfg.DataPath, l)
	case persistence.TypeRedis:
		return redis.NewRedisPersistence(&redis.RedisConfig{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, l)
	case persistence.TypeMemory:
		return memory.NewMemoryPersistence(), nil
	default:
		return nil, fmt.Errorf("unsupported persistence type %q", t)
	}
}
