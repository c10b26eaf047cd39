package translate

import (
	"bytes"
	"encoding/base64"

	"github.com/clawbridge/clawbridge/internal/gemini"
)

// maxImageBytes is the decoded size limit for inline images.
const maxImageBytes = 20 << 20

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
	"image/heic": true,
}

// ValidateImage decodes a base64 image payload, enforces the size limit and
// resolves the media type: the client-provided one when present, otherwise
// sniffed from magic bytes.
func ValidateImage(b64, mediaType string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", gemini.InvalidRequestf("image data is not valid base64")
	}
	if len(data) > maxImageBytes {
		return "", gemini.InvalidRequestf("image exceeds %d bytes after base64 decoding", maxImageBytes)
	}

	if mediaType == "" {
		sniffed, ok := SniffImageType(data)
		if !ok {
			return "", gemini.InvalidRequestf("image media type missing and not detectable from content")
		}
		mediaType = sniffed
	}
	if !allowedImageTypes[mediaType] {
		return "", gemini.InvalidRequestf("unsupported image media type %q", mediaType)
	}
	return mediaType, nil
}

// SniffImageType detects JPEG, PNG, GIF, WebP and HEIC from magic bytes.
func SniffImageType(data []byte) (string, bool) {
	switch {
	case len(data) >= 3 && bytes.Equal(data[:3], []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg", true
	case len(data) >= 8 && bytes.Equal(data[:8], []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}):
		return "image/png", true
	case len(data) >= 6 && (bytes.Equal(data[:6], []byte("GIF87a")) || bytes.Equal(data[:6], []byte("GIF89a"))):
		return "image/gif", true
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "image/webp", true
	case len(data) >= 12 && bytes.Equal(data[4:8], []byte("ftyp")) && isHEICBrand(data[8:12]):
		return "image/heic", true
	}
	return "", false
}

func isHEICBrand(brand []byte) bool {
	switch string(brand) {
	case "heic", "heix", "hevc", "heim", "heis", "mif1", "msf1":
		return true
	}
	return false
}
