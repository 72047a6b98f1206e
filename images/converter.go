package images

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color/palette"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"log/slog"
	"math"
	"strings"

	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"pault.ag/go/cbeff/jpeg2000"
)

// ThumbnailSize is the edge length stored with attendance records.
const ThumbnailSize = 256

// MaxPixels caps width×height of any decoded image. Headers are checked
// before pixel buffers are allocated.
const MaxPixels = 40_000_000

var (
	ErrUnsupportedFormat = errors.New("unsupported or invalid image format")
	ErrImageTooLarge     = errors.New("image dimensions exceed the supported maximum")
)

// Decode reads JPEG, PNG, GIF, WebP or JPEG 2000 data.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("no image data provided")
	}

	if cfg, format, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		if err := checkDimensions(cfg.Width, cfg.Height); err != nil {
			return nil, err
		}
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			slog.Debug("Image header accepted but decoding failed", "format", format, "error", err)
			return nil, ErrUnsupportedFormat
		}
		return img, nil
	}

	width, height, ok := jpeg2000Dimensions(data)
	if !ok {
		return nil, ErrUnsupportedFormat
	}
	if err := checkDimensions(width, height); err != nil {
		return nil, err
	}
	img, err := jpeg2000.Parse(data)
	if err != nil {
		slog.Debug("JPEG 2000 decoding failed", "error", err)
		return nil, ErrUnsupportedFormat
	}
	return img, nil
}

func checkDimensions(width, height int) error {
	if width <= 0 || height <= 0 {
		return ErrUnsupportedFormat
	}
	if int64(width)*int64(height) > MaxPixels {
		return fmt.Errorf("%w: %dx%d", ErrImageTooLarge, width, height)
	}
	return nil
}

// jpeg2000Dimensions reads the image size from the SIZ segment that directly
// follows the start of a JPEG 2000 codestream, raw or inside a JP2 container.
func jpeg2000Dimensions(data []byte) (width, height int, ok bool) {
	i := bytes.Index(data, []byte{0xFF, 0x4F, 0xFF, 0x51})
	if i < 0 {
		return 0, 0, false
	}
	// marker(2) Lsiz(2) Rsiz(2) Xsiz(4) Ysiz(4) XOsiz(4) YOsiz(4)
	siz := data[i+2:]
	if len(siz) < 22 {
		return 0, 0, false
	}
	xsiz := binary.BigEndian.Uint32(siz[6:10])
	ysiz := binary.BigEndian.Uint32(siz[10:14])
	xosiz := binary.BigEndian.Uint32(siz[14:18])
	yosiz := binary.BigEndian.Uint32(siz[18:22])
	if xosiz >= xsiz || yosiz >= ysiz {
		return 0, 0, false
	}
	return int(xsiz - xosiz), int(ysiz - yosiz), true
}

// DecodeBase64 accepts plain base64 or a data URL.
func DecodeBase64(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.IndexByte(s, ','); i >= 0 {
			s = s[i+1:]
		}
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 image: %w", err)
	}
	return b, nil
}

// Normalize scales img to exactly size×size, ignoring aspect ratio, so two
// images can be compared pixel-for-pixel.
func Normalize(img image.Image, size int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Over, nil)
	return dst
}

// EncodePNG encodes img with the given compression level.
func EncodePNG(img image.Image, level png.CompressionLevel) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: level}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// Thumbnail produces the base64 PNG stored alongside a verification record:
// fitted into maxEdge×maxEdge and palettized to keep it small.
func Thumbnail(data []byte, maxEdge int) (string, error) {
	img, err := Decode(data)
	if err != nil {
		return "", err
	}

	bounds := img.Bounds()
	slog.Debug("Creating thumbnail", "width", bounds.Dx(), "height", bounds.Dy(), "max_edge", maxEdge)

	return convertImageToPNGBase64(img, maxEdge, maxEdge, 256, png.BestCompression)
}

// convertImageToPNGBase64 encodes an image to base64 PNG with optional resize and quantization
//
// maxW/maxH: if >0, the image is downscaled to fit within this box (keeping aspect ratio)
// colors:    if >0, convert to a paletted image (≤256 colors is typical for PNG)
// level:     png.DefaultCompression, png.BestCompression, png.BestSpeed, etc.
func convertImageToPNGBase64(img image.Image, maxW, maxH, colors int, level png.CompressionLevel) (string, error) {
	if maxW > 0 || maxH > 0 {
		img = resizeToFit(img, maxW, maxH)
	}

	var out = img
	if colors > 0 {
		pal := palette.Plan9
		if colors <= 216 {
			pal = palette.WebSafe
		}
		dst := image.NewPaletted(img.Bounds(), pal)
		draw.FloydSteinberg.Draw(dst, dst.Bounds(), img, image.Point{})
		out = dst
	}

	b, err := EncodePNG(out, level)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// resizeToFit scales img to fit within maxW×maxH (keeping aspect ratio)
func resizeToFit(src image.Image, maxW, maxH int) image.Image {
	bw := src.Bounds().Dx()
	bh := src.Bounds().Dy()

	if maxW <= 0 && maxH <= 0 {
		return src
	}
	if maxW <= 0 {
		scale := float64(maxH) / float64(bh)
		maxW = int(math.Round(float64(bw) * scale))
	}
	if maxH <= 0 {
		scale := float64(maxW) / float64(bw)
		maxH = int(math.Round(float64(bh) * scale))
	}

	scale := math.Min(float64(maxW)/float64(bw), float64(maxH)/float64(bh))
	if scale >= 1.0 {
		return src // already small enough
	}
	w := int(math.Max(1, math.Round(float64(bw)*scale)))
	h := int(math.Max(1, math.Round(float64(bh)*scale)))

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	// CatmullRom = high quality, good for photos/faces
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Over, nil)
	return dst
}
