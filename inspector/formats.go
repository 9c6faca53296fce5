package inspector

import (
	"bytes"
	"path/filepath"
	"strings"
)

// decodable lists the sniffed formats this build can actually decode.
var decodable = map[string]bool{
	"jpeg": true,
	"png":  true,
	"gif":  true,
	"webp": true,
	"bmp":  true,
	"tiff": true,
}

// imageExtensions maps known image filename extensions to their format names.
var imageExtensions = map[string]string{
	".jpg":  "jpeg",
	".jpeg": "jpeg",
	".jpe":  "jpeg",
	".png":  "png",
	".gif":  "gif",
	".webp": "webp",
	".bmp":  "bmp",
	".tif":  "tiff",
	".tiff": "tiff",
	".avif": "avif",
	".jxl":  "jxl",
	".heic": "heic",
	".heif": "heic",
}

// ftyp brands that identify AVIF and HEIC containers.
var ftypBrands = map[string]string{
	"avif": "avif",
	"avis": "avif",
	"heic": "heic",
	"heix": "heic",
	"hevc": "heic",
	"heim": "heic",
	"mif1": "heic",
}

// IsImageExtension reports whether the filename extension belongs to a
// recognized image format.
func IsImageExtension(name string) bool {
	_, ok := imageExtensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

// SniffFormat identifies an image format from magic bytes. Returns "" when
// the bytes match no known format.
func SniffFormat(data []byte) string {
	if len(data) < 12 {
		return ""
	}

	switch {
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return "jpeg"
	case bytes.HasPrefix(data, []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}):
		return "png"
	case bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")):
		return "gif"
	case bytes.HasPrefix(data, []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "webp"
	case bytes.HasPrefix(data, []byte("BM")):
		return "bmp"
	case bytes.HasPrefix(data, []byte("II*\x00")) || bytes.HasPrefix(data, []byte("MM\x00*")):
		return "tiff"
	case bytes.HasPrefix(data, []byte{0xFF, 0x0A}):
		return "jxl"
	case bytes.HasPrefix(data, []byte{0x00, 0x00, 0x00, 0x0C, 'J', 'X', 'L', ' ', 0x0D, 0x0A, 0x87, 0x0A}):
		return "jxl"
	}

	// ISO BMFF: size(4) "ftyp" brand(4).
	if bytes.Equal(data[4:8], []byte("ftyp")) {
		if format, ok := ftypBrands[string(data[8:12])]; ok {
			return format
		}
	}

	return ""
}
