package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nevermorelove/spotify-track-bot/internal/domain"
)

func TestObjectName(t *testing.T) {
	key := domain.TrackKey("6rqhFgbbKwnb9MLmUQDhG6")

	a := &GCSArchiver{bucket: "bucket"}
	assert.Equal(t, "6rqhFgbbKwnb9MLmUQDhG6.mp3", a.objectName(key))

	a.objectPrefix = "tracks"
	assert.Equal(t, "tracks/6rqhFgbbKwnb9MLmUQDhG6.mp3", a.objectName(key))
}

func TestNopArchiver(t *testing.T) {
	err := NopArchiver{}.Put(context.Background(), "6rqhFgbbKwnb9MLmUQDhG6", "/no/such/file")
	assert.NoError(t, err)
}
