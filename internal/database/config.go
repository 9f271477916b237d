package database

import "time"

// DatabaseConfig is a subset of the configuration focusing solely
// on database connection items
type DatabaseConfig struct {
	User              string `yaml:"username" env:"DB_USERNAME" env-required:"true"`
	Password          string `yaml:"password" env:"DB_PASSWORD" env-required:"true"`
	Name              string `yaml:"name" env:"DB_NAME" env-default:"MELODY_DB"`
	Host              string `yaml:"host" env:"DB_HOST" env-default:"0.0.0.0"`
	Port              string `yaml:"port" env:"DB_PORT" env-default:"5432"`
	MaxOpenConns      int    `yaml:"max_open_conns" env:"DB_MAX_OPEN_CONNS" env-default:"10"`
	ConnectAttempts   int    `yaml:"connect_attempts" env:"DB_CONNECT_ATTEMPTS" env-default:"5"`
	RetryDelaySeconds int    `yaml:"connect_retry_delay_seconds" env:"DB_CONNECT_RETRY_DELAY_SECONDS" env-default:"3"`
}

func (config DatabaseConfig) RetryDelay() time.Duration {
	return time.Duration(config.RetryDelaySeconds) * time.Second
}
