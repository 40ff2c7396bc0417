// Package storage defines the object key layout shared by the upload and
// processing paths. Keys are deterministic so derivatives can be located
// without a database lookup.
package storage

import (
	"fmt"
	"path"
)

// OriginalKey is where a completed upload lives: originals/{ownerId}/{fileId}{ext}.
// ext must include its leading dot or be empty.
func OriginalKey(ownerID, fileID, ext string) string {
	return fmt.Sprintf("originals/%s/%s%s", ownerID, fileID, ext)
}

// ProcessedKey addresses a named derivative variant:
// processed/{ownerId}/{fileId}/{variant}.{format}.
func ProcessedKey(ownerID, fileID, variant, format string) string {
	return fmt.Sprintf("processed/%s/%s/%s.%s", ownerID, fileID, variant, format)
}

// TransformKey addresses an on-demand transform result, discriminated by the
// canonical parameter hash: transformed/{ownerId}/{fileId}/{paramsHash}.{format}.
func TransformKey(ownerID, fileID, paramsHash, format string) string {
	return fmt.Sprintf("transformed/%s/%s/%s.%s", ownerID, fileID, paramsHash, format)
}

// ThumbnailKey addresses one rung of the thumbnail ladder:
// thumbnails/{fileId}/thumb_{variant}.{format}.
func ThumbnailKey(fileID, variant, format string) string {
	return fmt.Sprintf("thumbnails/%s/thumb_%s.%s", fileID, variant, format)
}

// Ext returns the extension of a file name including the dot, or "".
func Ext(fileName string) string {
	return path.Ext(fileName)
}
