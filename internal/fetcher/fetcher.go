package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/hbomb79/Melody/pkg/logger"
	gbytes "github.com/labstack/gommon/bytes"
)

const (
	AudioContentType = "audio/mpeg"

	// stderrTailBytes caps how much of a failing command's
	// stderr is carried in the returned error.
	stderrTailBytes = 2048
)

var (
	log = logger.Get("Fetcher")

	ErrFetchTimeout   = errors.New("fetch exceeded its time limit")
	ErrAudioTooLarge  = errors.New("fetched audio exceeds the maximum size")
	ErrDownloadFailed = errors.New("yt-dlp download failed")
)

type (
	// Audio is the result of a successful fetch: the MP3 encoded
	// bytes of the source, along with the metadata Melody needs to
	// catalog it.
	Audio struct {
		Data            []byte
		DurationSeconds int
		FileName        string
		ContentType     string
	}

	// YtDlpFetcher downloads the audio stream of a source using yt-dlp,
	// normalises it to MP3 using ffmpeg and measures the duration
	// using ffprobe. All intermediate files live in a temporary
	// directory which is removed before Fetch returns.
	YtDlpFetcher struct {
		config Config
	}
)

func New(config Config) *YtDlpFetcher {
	return &YtDlpFetcher{config: config}
}

// Fetch retrieves the audio for the source URL provided. The whole operation
// is bounded by the configured timeout, in addition to any deadline already
// present on the context.
func (fetcher *YtDlpFetcher) Fetch(ctx context.Context, sourceURL string) (*Audio, error) {
	sourceID, err := ExtractSourceID(sourceURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, fetcher.config.Timeout())
	defer cancel()

	workDir, err := os.MkdirTemp(fetcher.config.WorkingDirectory, "melody-fetch-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create working directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.Emit(logger.WARNING, "Failed to remove working directory %s: %v\n", workDir, err)
		}
	}()

	downloadedPath, err := fetcher.download(ctx, CanonicalURL(sourceID), workDir)
	if err != nil {
		return nil, fetcher.wrapDeadline(ctx, err)
	}

	fileName := sourceID + ".mp3"
	outputPath := filepath.Join(workDir, "out", fileName)
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	log.Emit(logger.DEBUG, "Transcoding %s -> %s\n", downloadedPath, outputPath)
	if err := fetcher.transcodeToMP3(ctx, downloadedPath, outputPath); err != nil {
		return nil, fetcher.wrapDeadline(ctx, fmt.Errorf("failed to transcode audio: %w", err))
	}

	duration, err := fetcher.measureOutput(ctx, downloadedPath, outputPath)
	if err != nil {
		return nil, fetcher.wrapDeadline(ctx, err)
	}

	data, err := fetcher.readBounded(outputPath)
	if err != nil {
		return nil, err
	}

	log.Emit(logger.SUCCESS, "Fetched %s (%s, %ds)\n", sourceID, gbytes.Format(int64(len(data))), duration)
	return &Audio{
		Data:            data,
		DurationSeconds: duration,
		FileName:        fileName,
		ContentType:     AudioContentType,
	}, nil
}

// download runs yt-dlp to fetch the best available audio-only stream of the
// URL in to the directory provided. The path of the downloaded file is returned.
func (fetcher *YtDlpFetcher) download(ctx context.Context, url string, dir string) (string, error) {
	args := []string{
		"--no-playlist",
		"--no-progress",
		"--no-simulate",
		"-f", "bestaudio/best",
		"-o", filepath.Join(dir, "%(id)s.%(ext)s"),
		"--print", "after_move:filepath",
		url,
	}

	log.Emit(logger.DEBUG, "Running %s %v\n", fetcher.config.YtDlpBinPath, args)
	cmd := exec.CommandContext(ctx, fetcher.config.YtDlpBinPath, args...)
	cmd.WaitDelay = commandWaitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %w: %s", ErrDownloadFailed, err, tail(stderr.String()))
	}

	if path := lastLine(stdout.String()); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	// Older yt-dlp releases don't support the after_move print stage,
	// so fall back to looking for whatever landed in the directory.
	matches, err := filepath.Glob(filepath.Join(dir, "*.*"))
	if err != nil || len(matches) == 0 {
		return "", fmt.Errorf("%w: no output file produced", ErrDownloadFailed)
	}

	return matches[0], nil
}

func (fetcher *YtDlpFetcher) readBounded(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcoded audio: %w", err)
	}
	defer file.Close()

	limit := fetcher.config.MaxAudioBytes
	if limit <= 0 {
		return io.ReadAll(file)
	}

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read transcoded audio: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w (limit %s)", ErrAudioTooLarge, gbytes.Format(limit))
	}

	return data, nil
}

func (fetcher *YtDlpFetcher) wrapDeadline(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %w", ErrFetchTimeout, fetcher.config.Timeout(), err)
	}

	return err
}

func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func tail(output string) string {
	output = strings.TrimSpace(output)
	if len(output) > stderrTailBytes {
		return "..." + output[len(output)-stderrTailBytes:]
	}

	return output
}
