// Package inspector computes per-image descriptors: dimensions, grayscale and
// white sampling scores, perceptual hash, and content digest. Inspection is a
// pure function of the entry bytes.
package inspector

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/corona10/goimagehash"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"arcfilter/types"
)

// ErrUnsupportedCodec marks formats recognized as images but lacking a
// registered decoder (AVIF, JXL, HEIC). Callers keep such entries untouched
// rather than dropping them as unreadable.
var ErrUnsupportedCodec = errors.New("image codec not supported by this build")

// ErrNotImage marks bytes whose magic matches no known image format.
var ErrNotImage = errors.New("not an image")

// UnreadableError wraps a decoder failure for bytes that claimed to be a
// decodable format. The filter engine turns it into an `unreadable` drop.
type UnreadableError struct {
	URI string
	Err error
}

func (e *UnreadableError) Error() string {
	return fmt.Sprintf("unreadable image %s: %v", e.URI, e.Err)
}

func (e *UnreadableError) Unwrap() error {
	return e.Err
}

// Sampling constants. The grid is a function of image dimensions alone so
// scores are deterministic across runs and hosts.
const (
	sampleGrid     = 10  // 10x10 = 100 samples
	graySpreadMax  = 5   // max channel spread (of 255) still counted as achromatic
	whiteFloorMin  = 240 // min channel floor (of 255) counted as near-white
)

// Inspector computes descriptors at a fixed perceptual-hash width.
type Inspector struct {
	hashBits int
}

// New returns an Inspector producing hashes of the given bit width (64 or 256).
func New(hashBits int) (*Inspector, error) {
	if hashBits != 64 && hashBits != 256 {
		return nil, fmt.Errorf("unsupported hash width: %d bits", hashBits)
	}
	return &Inspector{hashBits: hashBits}, nil
}

// HashBits returns the configured perceptual-hash width.
func (ins *Inspector) HashBits() int {
	return ins.hashBits
}

// Inspect computes the descriptor for one image entry. It returns
// ErrNotImage for non-image bytes, ErrUnsupportedCodec for recognized but
// undecodable formats, and *UnreadableError for corrupt bytes.
func (ins *Inspector) Inspect(uri string, data []byte) (*types.ImageDescriptor, error) {
	format := SniffFormat(data)
	if format == "" {
		return nil, ErrNotImage
	}
	if !decodable[format] {
		return nil, ErrUnsupportedCodec
	}

	// Header-only pass for dimensions before committing to a full decode.
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &UnreadableError{URI: uri, Err: err}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &UnreadableError{URI: uri, Err: err}
	}

	grayScore, whiteScore := sampleScores(img)

	phash, err := ins.perceptualHash(img)
	if err != nil {
		return nil, &UnreadableError{URI: uri, Err: err}
	}

	digest := sha256.Sum256(data)

	return &types.ImageDescriptor{
		URI:        uri,
		Format:     format,
		Width:      cfg.Width,
		Height:     cfg.Height,
		GrayScore:  grayScore,
		WhiteScore: whiteScore,
		PHash:      phash,
		ByteSize:   int64(len(data)),
		Digest:     hex.EncodeToString(digest[:]),
	}, nil
}

// perceptualHash computes a DCT-based hash via goimagehash at the configured
// width: 8x8 for 64 bits, 16x16 for 256.
func (ins *Inspector) perceptualHash(img image.Image) (types.PHash, error) {
	if ins.hashBits == 64 {
		h, err := goimagehash.PerceptionHash(img)
		if err != nil {
			return types.PHash{}, err
		}
		return types.NewPHash(64, []uint64{h.GetHash()})
	}

	h, err := goimagehash.ExtPerceptionHash(img, 16, 16)
	if err != nil {
		return types.PHash{}, err
	}
	return types.NewPHash(256, h.GetHash())
}

// sampleScores walks a fixed 10x10 grid and measures the fraction of samples
// that are achromatic and the fraction that are near-white.
func sampleScores(img image.Image) (grayScore, whiteScore float64) {
	bounds := img.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()
	if w == 0 || h == 0 {
		return 0, 0
	}

	grayCount := 0
	whiteCount := 0
	for j := 0; j < sampleGrid; j++ {
		for i := 0; i < sampleGrid; i++ {
			// Cell centers: (2i+1)/2N of the way across each axis.
			x := bounds.Min.X + (2*i+1)*w/(2*sampleGrid)
			y := bounds.Min.Y + (2*j+1)*h/(2*sampleGrid)

			r16, g16, b16, _ := img.At(x, y).RGBA()
			r := int(r16 >> 8)
			g := int(g16 >> 8)
			b := int(b16 >> 8)

			spread := absInt(r - g)
			if d := absInt(g - b); d > spread {
				spread = d
			}
			if d := absInt(r - b); d > spread {
				spread = d
			}
			if spread < graySpreadMax {
				grayCount++
			}

			floor := r
			if g < floor {
				floor = g
			}
			if b < floor {
				floor = b
			}
			if floor >= whiteFloorMin {
				whiteCount++
			}
		}
	}

	total := float64(sampleGrid * sampleGrid)
	return float64(grayCount) / total, float64(whiteCount) / total
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
