package downloader

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewYtdlpClientDefaults(t *testing.T) {
	client := NewYtdlpClient(0)
	assert.Equal(t, defaultDownloadTimeout, client.downloadTimeout)

	client = NewYtdlpClient(time.Minute)
	assert.Equal(t, time.Minute, client.downloadTimeout)
}

func TestClassifyToolError(t *testing.T) {
	base := errors.New("exit status 1")

	testCases := []struct {
		name          string
		stderr        string
		wantTransient bool
	}{
		{
			name:          "Network error",
			stderr:        "ERROR: Unable to download webpage: <urlopen error [Errno -3]>",
			wantTransient: true,
		},
		{
			name:          "Timeout",
			stderr:        "ERROR: The read operation timed out",
			wantTransient: true,
		},
		{
			name:          "Rate limited",
			stderr:        "ERROR: HTTP Error 429: Too Many Requests",
			wantTransient: true,
		},
		{
			name:          "Server error",
			stderr:        "ERROR: HTTP Error 503: Service Unavailable",
			wantTransient: true,
		},
		{
			name:          "Video unavailable",
			stderr:        "ERROR: Video unavailable. This video is private.",
			wantTransient: false,
		},
		{
			name:          "Unsupported URL",
			stderr:        "ERROR: Unsupported URL",
			wantTransient: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := classifyToolError(base, tc.stderr)
			assert.Equal(t, tc.wantTransient, errors.Is(err, ErrTransient))
		})
	}
}

func TestFindDownloadedFile(t *testing.T) {
	tempDir := t.TempDir()

	// Non-audio files are ignored
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "source.json"), []byte("{}"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "older.m4a"), []byte("older"), 0644))

	older := filepath.Join(tempDir, "older.m4a")
	newer := filepath.Join(tempDir, "source.webm")
	require.NoError(t, os.WriteFile(newer, []byte("newer"), 0644))

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, past, past))

	found, err := findDownloadedFile(tempDir)
	require.NoError(t, err)
	assert.Equal(t, newer, found)
}

func TestFindDownloadedFileEmpty(t *testing.T) {
	tempDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "notes.txt"), []byte("x"), 0644))

	_, err := findDownloadedFile(tempDir)
	assert.ErrorIs(t, err, ErrNoAudioFiles)
}

func TestValidateAudioFile(t *testing.T) {
	tempDir := t.TempDir()

	small := filepath.Join(tempDir, "small.mp3")
	require.NoError(t, os.WriteFile(small, []byte("tiny"), 0644))
	assert.ErrorIs(t, validateAudioFile(small), ErrFileTooSmall)

	big := filepath.Join(tempDir, "big.mp3")
	require.NoError(t, os.WriteFile(big, make([]byte, minValidFileSize+1), 0644))
	assert.NoError(t, validateAudioFile(big))

	assert.Error(t, validateAudioFile(filepath.Join(tempDir, "missing.mp3")))
}

func TestSearchEntryParsing(t *testing.T) {
	// Flat-playlist search entries carry url or only an id.
	line := `{"id":"dQw4w9WgXcQ","title":"Song","uploader":"Channel","duration":212.5}`

	var entry searchEntry
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "dQw4w9WgXcQ", entry.ID)
	assert.Equal(t, 212.5, entry.Duration)
}
