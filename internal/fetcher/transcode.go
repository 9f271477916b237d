package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"regexp"
	"strconv"
	"time"

	"github.com/floostack/transcoder/ffmpeg"
	"github.com/hbomb79/Melody/pkg/logger"
)

const (
	mp3Codec  = "libmp3lame"
	mp3Format = "mp3"

	// commandWaitDelay bounds how long a killed command may keep its
	// output pipes open before Wait gives up on them.
	commandWaitDelay = 2 * time.Second

	// minDurationTolerance is the smallest difference (in seconds) between
	// the input and output durations that is treated as a truncated encode.
	minDurationTolerance = 1.0
)

var (
	ErrTranscodeIncomplete = errors.New("transcoded audio is shorter than its source")

	ffmpegMessageMatcher = regexp.MustCompile(`(?s)message: ({.*})`)
)

// transcodeToMP3 converts the audio found at the input path in to an MP3 file
// at the output path, discarding any video streams. The ffmpeg process is
// killed if the context is cancelled, and a non-zero exit is reported along
// with the tail of ffmpeg's stderr.
func (fetcher *YtDlpFetcher) transcodeToMP3(ctx context.Context, inputPath string, outputPath string) error {
	overwrite, skipVideo, hideBanner := true, true, true
	codec, format := mp3Codec, mp3Format
	opts := ffmpeg.Options{
		Overwrite:    &overwrite,
		SkipVideo:    &skipVideo,
		HideBanner:   &hideBanner,
		AudioCodec:   &codec,
		OutputFormat: &format,
	}

	args := append([]string{"-i", inputPath}, opts.GetStrArguments()...)
	args = append(args, outputPath)

	log.Emit(logger.VERBOSE, "Running %s %v\n", fetcher.config.FfmpegBinPath, args)
	cmd := exec.CommandContext(ctx, fetcher.config.FfmpegBinPath, args...)
	cmd.WaitDelay = commandWaitDelay
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg exited unsuccessfully: %w: %s", err, tail(stderr.String()))
	}

	return nil
}

// readMetadata uses ffprobe to read the container metadata of the media file at the
// path provided. The ffprobe process is killed if the context is cancelled.
func (fetcher *YtDlpFetcher) readMetadata(ctx context.Context, path string) (*ffmpeg.Metadata, error) {
	args := []string{"-v", "error", "-print_format", "json", "-show_format", "-show_error", path}
	cmd := exec.CommandContext(ctx, fetcher.config.FfprobeBinPath, args...)
	cmd.WaitDelay = commandWaitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to extract file metadata using ffprobe: %w",
			parseFfmpegError(fmt.Errorf("%w | message: %s %s", err, stdout.String(), tail(stderr.String()))))
	}

	var metadata ffmpeg.Metadata
	if err := json.Unmarshal(stdout.Bytes(), &metadata); err != nil {
		return nil, fmt.Errorf("ffprobe produced unreadable metadata: %w", err)
	}

	return &metadata, nil
}

// measureOutput inspects the transcoded output and returns its duration in
// whole seconds. If the source's duration is known, an output which is
// noticeably shorter is rejected as a truncated encode.
func (fetcher *YtDlpFetcher) measureOutput(ctx context.Context, inputPath string, outputPath string) (int, error) {
	outputMeta, err := fetcher.readMetadata(ctx, outputPath)
	if err != nil {
		return 0, err
	}

	outputSeconds, err := parseDurationSeconds(outputMeta.GetFormat().GetDuration())
	if err != nil {
		return 0, err
	}

	inputMeta, err := fetcher.readMetadata(ctx, inputPath)
	if err != nil {
		return 0, err
	}

	if inputSeconds, err := parseDurationSeconds(inputMeta.GetFormat().GetDuration()); err == nil {
		tolerance := math.Max(minDurationTolerance, inputSeconds*0.02)
		if outputSeconds < inputSeconds-tolerance {
			return 0, fmt.Errorf("%w (source %.1fs, output %.1fs)", ErrTranscodeIncomplete, inputSeconds, outputSeconds)
		}
	} else {
		log.Emit(logger.DEBUG, "Source %s has no usable duration (%v), skipping truncation check\n", inputPath, err)
	}

	return int(math.Round(outputSeconds)), nil
}

func parseDurationSeconds(duration string) (float64, error) {
	seconds, err := strconv.ParseFloat(duration, 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe reported unparseable duration '%s': %w", duration, err)
	}
	if seconds < 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return 0, fmt.Errorf("ffprobe reported invalid duration '%s'", duration)
	}

	return seconds, nil
}

// parseFfmpegError picks the relevant message out of the verbose output
// ffmpeg/ffprobe produce on failure. The message is JSON encoded inside the
// error string; if it can't be found the original error is returned.
func parseFfmpegError(err error) error {
	groups := ffmpegMessageMatcher.FindStringSubmatch(err.Error())
	if len(groups) < 2 {
		return err
	}

	var out struct {
		Error struct {
			String string `json:"string"`
		} `json:"error"`
	}
	if jsonErr := json.Unmarshal([]byte(groups[1]), &out); jsonErr != nil || out.Error.String == "" {
		return errors.New(groups[1])
	}

	return errors.New(out.Error.String)
}
