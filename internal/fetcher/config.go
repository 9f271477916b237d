package fetcher

import "time"

type Config struct {
	YtDlpBinPath   string `yaml:"ytdlp_bin" env:"FETCHER_YTDLP_BIN" env-default:"yt-dlp"`
	FfmpegBinPath  string `yaml:"ffmpeg_bin" env:"FETCHER_FFMPEG_BIN" env-default:"ffmpeg"`
	FfprobeBinPath string `yaml:"ffprobe_bin" env:"FETCHER_FFPROBE_BIN" env-default:"ffprobe"`

	// WorkingDirectory is where per-fetch temporary directories are
	// created. Defaults to the OS temp directory when empty.
	WorkingDirectory string `yaml:"working_directory" env:"FETCHER_WORKING_DIR"`

	TimeoutSeconds int   `yaml:"timeout_seconds" env:"FETCHER_TIMEOUT_SECONDS" env-default:"300"`
	MaxAudioBytes  int64 `yaml:"max_audio_bytes" env:"FETCHER_MAX_AUDIO_BYTES" env-default:"104857600"`
}

func (config Config) Timeout() time.Duration {
	if config.TimeoutSeconds <= 0 {
		return 5 * time.Minute
	}

	return time.Duration(config.TimeoutSeconds) * time.Second
}
