package blob_test

import (
	"testing"
	"time"

	"github.com/hbomb79/Melody/internal/blob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ObjectKey(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1700000000123)
	assert.Equal(t, "1700000000123_ABC123XYZ90.mp3", blob.ObjectKey(now, "ABC123XYZ90.mp3"))
	assert.Equal(t, "1700000000123_my_great_song.mp3", blob.ObjectKey(now, "my great\tsong.mp3"))
	assert.Equal(t, "1700000000123_a_b_c.mp3", blob.ObjectKey(now, "a/b\\c.mp3"))
	assert.NotEqual(t, blob.ObjectKey(now, "x.mp3"), blob.ObjectKey(now.Add(time.Millisecond), "x.mp3"))
}

func Test_ObjectURL_KeyFromURL_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, key := range []string{"1700000000123_ABC123XYZ90.mp3", "1700000000123_weird%name+?.mp3"} {
		url := blob.ObjectURL("https://acct.r2.cloudflarestorage.com/", "songs", key)
		recovered, err := blob.KeyFromURL(url)
		require.NoError(t, err)
		assert.Equal(t, key, recovered)
	}

	assert.Equal(t,
		"https://acct.r2.cloudflarestorage.com/songs/1_a.mp3",
		blob.ObjectURL("https://acct.r2.cloudflarestorage.com", "songs", "1_a.mp3"),
	)
}

func Test_KeyFromURL_Invalid(t *testing.T) {
	t.Parallel()

	for _, url := range []string{"", "https://host", "https://host/", "://bad"} {
		_, err := blob.KeyFromURL(url)
		assert.ErrorIs(t, err, blob.ErrInvalidObjectURL, url)
	}
}
