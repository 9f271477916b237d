package blob

import "time"

type Config struct {
	Endpoint        string `yaml:"endpoint" env:"BLOB_ENDPOINT" env-required:"true"`
	Bucket          string `yaml:"bucket" env:"BLOB_BUCKET" env-required:"true"`
	AccessKeyID     string `yaml:"access_key_id" env:"BLOB_ACCESS_KEY_ID" env-required:"true"`
	SecretAccessKey string `yaml:"secret_access_key" env:"BLOB_SECRET_ACCESS_KEY" env-required:"true"`
	Region          string `yaml:"region" env:"BLOB_REGION" env-default:"auto"`

	// PublicBaseURL is the prefix used when building the durable URL of
	// an object. Defaults to the Endpoint when empty.
	PublicBaseURL string `yaml:"public_base_url" env:"BLOB_PUBLIC_BASE_URL"`

	SignedURLTTLSeconds int `yaml:"signed_url_ttl_seconds" env:"BLOB_SIGNED_URL_TTL_SECONDS" env-default:"3600"`
}

func (config Config) SignedURLTTL() time.Duration {
	if config.SignedURLTTLSeconds <= 0 {
		return time.Hour
	}

	return time.Duration(config.SignedURLTTLSeconds) * time.Second
}
