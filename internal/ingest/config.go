package ingest

import "time"

// Config contains configuration options that control how
// Melody processes ingestion jobs.
type Config struct {
	// Controls the number of workers that can perform ingestions, and therefore
	// the number of concurrent downloads and uploads.
	Parallelism int `yaml:"parallelism" env:"INGEST_PARALLELISM" env-default:"2"`

	UploadTimeoutSeconds int `yaml:"upload_timeout_seconds" env:"INGEST_UPLOAD_TIMEOUT_SECONDS" env-default:"60"`
	CommitTimeoutSeconds int `yaml:"commit_timeout_seconds" env:"INGEST_COMMIT_TIMEOUT_SECONDS" env-default:"10"`

	// A message delivered more than this many times is dropped without being
	// processed. Redelivery only happens when a worker dies mid-job, so a
	// message which keeps killing workers is eventually discarded.
	MaxDeliveries int64 `yaml:"max_deliveries" env:"INGEST_MAX_DELIVERIES" env-default:"5"`

	// How long an idle worker waits between polls of the broker, in
	// addition to the broker's own blocking read.
	PollIntervalMillis int `yaml:"poll_interval_millis" env:"INGEST_POLL_INTERVAL_MILLIS" env-default:"250"`

	// How long job status records are retained after their last update.
	StatusTTLHours int `yaml:"status_ttl_hours" env:"INGEST_STATUS_TTL_HOURS" env-default:"72"`
}

func (config Config) UploadTimeout() time.Duration {
	return durationOr(config.UploadTimeoutSeconds, time.Second, time.Minute)
}

func (config Config) CommitTimeout() time.Duration {
	return durationOr(config.CommitTimeoutSeconds, time.Second, 10*time.Second)
}

func (config Config) PollInterval() time.Duration {
	return durationOr(config.PollIntervalMillis, time.Millisecond, 250*time.Millisecond)
}

func (config Config) StatusTTL() time.Duration {
	return durationOr(config.StatusTTLHours, time.Hour, 72*time.Hour)
}

// MaxJobDuration is the longest a single job can take to process, given the
// time limit on a fetch. Every stage runs under its own timeout: the dedup
// lookup, the fetch, the upload, the commit and its verification lookup, and
// finally the deletion of an orphaned blob.
func (config Config) MaxJobDuration(fetchTimeout time.Duration) time.Duration {
	return 3*config.CommitTimeout() + fetchTimeout + 2*config.UploadTimeout()
}

func durationOr(value int, unit time.Duration, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}

	return time.Duration(value) * unit
}
