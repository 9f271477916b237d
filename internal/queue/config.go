package queue

import "time"

type Config struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`

	// Prefix is prepended to every stream key this package uses.
	Prefix string `yaml:"prefix" env:"REDIS_STREAM_PREFIX" env-default:"melody"`
	Group  string `yaml:"group" env:"REDIS_CONSUMER_GROUP" env-default:"ingest-workers"`

	// BlockMillis is how long a consumer read blocks waiting
	// for new messages before reporting that none are available.
	BlockMillis int `yaml:"block_millis" env:"REDIS_BLOCK_MILLIS" env-default:"2000"`

	// ClaimMinIdleSeconds is how long a delivered message may remain
	// unacknowledged before another consumer reclaims it. This must exceed
	// the longest time a single job can take to process.
	ClaimMinIdleSeconds int `yaml:"claim_min_idle_seconds" env:"REDIS_CLAIM_MIN_IDLE_SECONDS" env-default:"900"`
}

func (config Config) BlockTimeout() time.Duration {
	if config.BlockMillis <= 0 {
		return defaultBlockTimeout
	}

	return time.Duration(config.BlockMillis) * time.Millisecond
}

func (config Config) ClaimMinIdle() time.Duration {
	if config.ClaimMinIdleSeconds <= 0 {
		return defaultClaimMinIdle
	}

	return time.Duration(config.ClaimMinIdleSeconds) * time.Second
}
