// README: Redis client initialization for caching, locks, and pub/sub.
package infra

import "github.com/redis/go-redis/v9"

// RedisOptions carries the subset of connection settings the dispatch core
// needs; kept separate from config.RedisConfig so this package has no
// import-cycle back into config.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

func NewRedis(opts RedisOptions) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})
}
