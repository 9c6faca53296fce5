package inspector

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

// encodePNG renders img to PNG bytes.
func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

// solidImage creates a width x height image of one color.
func solidImage(width, height int, fill color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, fill)
		}
	}
	return img
}

// colorfulImage creates an image with strong chroma everywhere.
func colorfulImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 251 % 256), uint8(y * 241 % 256), 30, 255})
		}
	}
	return img
}

func newInspector(t *testing.T) *Inspector {
	t.Helper()
	ins, err := New(64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ins
}

func TestInspectDimensionsAndDigest(t *testing.T) {
	ins := newInspector(t)
	data := encodePNG(t, solidImage(120, 80, color.White))

	desc, err := ins.Inspect("a.zip::x.png", data)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if desc.Width != 120 || desc.Height != 80 {
		t.Errorf("dimensions %dx%d, want 120x80", desc.Width, desc.Height)
	}
	if desc.Format != "png" {
		t.Errorf("format %q, want png", desc.Format)
	}
	if desc.ByteSize != int64(len(data)) {
		t.Errorf("byte size %d, want %d", desc.ByteSize, len(data))
	}
	if len(desc.Digest) != 64 {
		t.Errorf("digest length %d, want 64 hex chars", len(desc.Digest))
	}
}

func TestInspectWhiteScore(t *testing.T) {
	ins := newInspector(t)

	white, err := ins.Inspect("u", encodePNG(t, solidImage(50, 50, color.White)))
	if err != nil {
		t.Fatalf("Inspect white: %v", err)
	}
	if white.WhiteScore != 1.0 {
		t.Errorf("white image WhiteScore = %v, want 1.0", white.WhiteScore)
	}
	if white.GrayScore != 1.0 {
		t.Errorf("white image GrayScore = %v, want 1.0", white.GrayScore)
	}

	colorful, err := ins.Inspect("u2", encodePNG(t, colorfulImage(50, 50)))
	if err != nil {
		t.Fatalf("Inspect colorful: %v", err)
	}
	if colorful.WhiteScore > 0.1 {
		t.Errorf("colorful image WhiteScore = %v, want near 0", colorful.WhiteScore)
	}
	if colorful.GrayScore > 0.2 {
		t.Errorf("colorful image GrayScore = %v, want low", colorful.GrayScore)
	}
}

func TestInspectGrayNotWhite(t *testing.T) {
	ins := newInspector(t)
	desc, err := ins.Inspect("u", encodePNG(t, solidImage(40, 40, color.RGBA{100, 100, 100, 255})))
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if desc.GrayScore != 1.0 {
		t.Errorf("gray image GrayScore = %v, want 1.0", desc.GrayScore)
	}
	if desc.WhiteScore != 0.0 {
		t.Errorf("gray image WhiteScore = %v, want 0.0", desc.WhiteScore)
	}
}

func TestInspectDeterministic(t *testing.T) {
	ins := newInspector(t)
	data := encodePNG(t, colorfulImage(64, 48))

	a, err := ins.Inspect("u", data)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	b, err := ins.Inspect("u", data)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if a.GrayScore != b.GrayScore || a.WhiteScore != b.WhiteScore {
		t.Error("scores differ between runs on identical bytes")
	}
	if a.PHash.Hex() != b.PHash.Hex() {
		t.Error("phash differs between runs on identical bytes")
	}
	if a.Digest != b.Digest {
		t.Error("digest differs between runs on identical bytes")
	}
}

// smoothImage creates band-limited content like a real page: low-frequency
// gradients survive JPEG quantization, which is what the hash's re-encode
// stability is about. Per-pixel noise does not and is not promised to.
func smoothImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(255 * x / width),
				G: uint8(255 * y / height),
				B: uint8(128 + 127*(x-y)/(width+height)),
				A: 255,
			})
		}
	}
	return img
}

func TestInspectJPEGReencodeSimilarHash(t *testing.T) {
	ins := newInspector(t)
	img := smoothImage(256, 256)

	var high, low bytes.Buffer
	if err := jpeg.Encode(&high, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("jpeg encode: %v", err)
	}
	if err := jpeg.Encode(&low, img, &jpeg.Options{Quality: 40}); err != nil {
		t.Fatalf("jpeg encode: %v", err)
	}

	a, err := ins.Inspect("hq", high.Bytes())
	if err != nil {
		t.Fatalf("Inspect hq: %v", err)
	}
	b, err := ins.Inspect("lq", low.Bytes())
	if err != nil {
		t.Fatalf("Inspect lq: %v", err)
	}

	dist, err := a.PHash.Distance(b.PHash)
	if err != nil {
		t.Fatalf("Distance: %v", err)
	}
	if dist > 8 {
		t.Errorf("re-encoded image hash distance = %d, expected small", dist)
	}
}

func TestInspectUnreadable(t *testing.T) {
	ins := newInspector(t)

	// JPEG magic followed by noise.
	junk := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, bytes.Repeat([]byte{0x5A, 0xC3, 0x17}, 50)...)
	_, err := ins.Inspect("bad.jpg", junk)

	var unreadable *UnreadableError
	if !errors.As(err, &unreadable) {
		t.Fatalf("expected UnreadableError, got %v", err)
	}
}

func TestInspectNotImage(t *testing.T) {
	ins := newInspector(t)
	if _, err := ins.Inspect("info.txt", []byte("this is a plain text file")); !errors.Is(err, ErrNotImage) {
		t.Errorf("expected ErrNotImage, got %v", err)
	}
}

func TestInspectUnsupportedCodec(t *testing.T) {
	ins := newInspector(t)
	avif := append([]byte{0x00, 0x00, 0x00, 0x1C}, []byte("ftypavif")...)
	avif = append(avif, bytes.Repeat([]byte{0}, 32)...)
	if _, err := ins.Inspect("x.avif", avif); !errors.Is(err, ErrUnsupportedCodec) {
		t.Errorf("expected ErrUnsupportedCodec, got %v", err)
	}
}

func TestInspect256BitHash(t *testing.T) {
	ins, err := New(256)
	if err != nil {
		t.Fatalf("New(256): %v", err)
	}
	desc, err := ins.Inspect("u", encodePNG(t, colorfulImage(64, 64)))
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if desc.PHash.Bits != 256 || len(desc.PHash.Words) != 4 {
		t.Errorf("expected 256-bit hash in 4 words, got %d bits / %d words",
			desc.PHash.Bits, len(desc.PHash.Words))
	}
}

func TestSniffFormat(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0, 0, 0, 0, 0, 0, 0}, "jpeg"},
		{"gif", append([]byte("GIF89a"), make([]byte, 8)...), "gif"},
		{"webp", append([]byte("RIFF\x00\x00\x00\x00WEBP"), make([]byte, 4)...), "webp"},
		{"tiff-le", append([]byte("II*\x00"), make([]byte, 10)...), "tiff"},
		{"jxl", append([]byte{0xFF, 0x0A}, make([]byte, 12)...), "jxl"},
		{"heic", append([]byte{0, 0, 0, 0x18}, []byte("ftypheicAAAA")...), "heic"},
		{"text", []byte("hello world, not an image"), ""},
		{"short", []byte{0xFF}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SniffFormat(tt.data); got != tt.want {
				t.Errorf("SniffFormat = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsImageExtension(t *testing.T) {
	for _, name := range []string{"a.jpg", "B.PNG", "dir/c.webp", "x.avif"} {
		if !IsImageExtension(name) {
			t.Errorf("IsImageExtension(%q) = false", name)
		}
	}
	for _, name := range []string{"a.txt", "readme", "z.zip"} {
		if IsImageExtension(name) {
			t.Errorf("IsImageExtension(%q) = true", name)
		}
	}
}
