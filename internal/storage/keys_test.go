package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOriginalKey(t *testing.T) {
	require.Equal(t, "originals/o1/f1.png", OriginalKey("o1", "f1", ".png"))
	require.Equal(t, "originals/o1/f1", OriginalKey("o1", "f1", ""))
}

func TestProcessedKey(t *testing.T) {
	require.Equal(t, "processed/o1/f1/medium.webp", ProcessedKey("o1", "f1", "medium", "webp"))
}

func TestTransformKey(t *testing.T) {
	require.Equal(t, "transformed/o1/f1/abcd1234.webp", TransformKey("o1", "f1", "abcd1234", "webp"))
}

func TestThumbnailKey(t *testing.T) {
	require.Equal(t, "thumbnails/f1/thumb_small.webp", ThumbnailKey("f1", "small", "webp"))
}

func TestExt(t *testing.T) {
	require.Equal(t, ".png", Ext("photo.png"))
	require.Equal(t, ".gz", Ext("archive.tar.gz"))
	require.Equal(t, "", Ext("noext"))
}
