package fetcher

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_ParseDurationSeconds(t *testing.T) {
	t.Parallel()

	tests := map[string]float64{
		"200.000000": 200,
		"199.5":      199.5,
		"0.2":        0.2,
		"3600":       3600,
	}
	for input, expected := range tests {
		actual, err := parseDurationSeconds(input)
		assert.NoError(t, err, input)
		assert.Equal(t, expected, actual, input)
	}

	for _, bad := range []string{"", "N/A", "-1", "NaN"} {
		_, err := parseDurationSeconds(bad)
		assert.Error(t, err, bad)
	}
}

func Test_ParseFfmpegError(t *testing.T) {
	t.Parallel()

	raw := errors.New(`exit status 1 ... built with gcc ... message: {"error": {"code": -2, "string": "No such file or directory"}}`)
	assert.EqualError(t, parseFfmpegError(raw), "No such file or directory")

	plain := errors.New("exec: not found")
	assert.Equal(t, plain, parseFfmpegError(plain))
}
