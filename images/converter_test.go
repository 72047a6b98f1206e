package images

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"

	"go-attendance-verifier/facematch"
)

func gradient(w, h int, invert bool) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8((x * 255) / w)
			if invert {
				v = 255 - v
			}
			img.Set(x, y, color.RGBA{R: v, G: uint8((y * 255) / h), B: 128, A: 255})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func TestDecodeFormats(t *testing.T) {
	src := gradient(64, 48, false)

	for name, data := range map[string][]byte{
		"png":  encodePNG(t, src),
		"jpeg": encodeJPEG(t, src),
	} {
		t.Run(name, func(t *testing.T) {
			img, err := Decode(data)
			require.NoError(t, err)
			require.Equal(t, 64, img.Bounds().Dx())
			require.Equal(t, 48, img.Bounds().Dy())
		})
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("definitely not an image"))
	require.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = Decode(nil)
	require.Error(t, err)
}

// pngClaiming returns a 1×1 PNG whose IHDR announces width×height.
func pngClaiming(t *testing.T, width, height uint32) []byte {
	t.Helper()
	data := encodePNG(t, gradient(1, 1, false))
	// signature(8) length(4) "IHDR"(4) width(4) height(4) ... crc at 29
	binary.BigEndian.PutUint32(data[16:20], width)
	binary.BigEndian.PutUint32(data[20:24], height)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))
	return data
}

// webpClaiming returns an extended WebP header announcing width×height.
func webpClaiming(width, height uint32) []byte {
	data := []byte("RIFF\x16\x00\x00\x00WEBPVP8X\x0a\x00\x00\x00")
	data = append(data, 0, 0, 0, 0)
	w, h := width-1, height-1
	data = append(data, byte(w), byte(w>>8), byte(w>>16), byte(h), byte(h>>8), byte(h>>16))
	return data
}

// jpeg2000Claiming returns a codestream start with a SIZ segment announcing width×height.
func jpeg2000Claiming(width, height uint32) []byte {
	data := []byte{0xFF, 0x4F, 0xFF, 0x51, 0x00, 0x29, 0x00, 0x00}
	data = binary.BigEndian.AppendUint32(data, width)
	data = binary.BigEndian.AppendUint32(data, height)
	data = binary.BigEndian.AppendUint32(data, 0)
	data = binary.BigEndian.AppendUint32(data, 0)
	return data
}

func TestDecodeRejectsOversizedHeaders(t *testing.T) {
	for name, data := range map[string][]byte{
		"png":       pngClaiming(t, 20000, 20000),
		"webp":      webpClaiming(40000, 40000),
		"jpeg 2000": jpeg2000Claiming(40000, 40000),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(data)
			require.ErrorIs(t, err, ErrImageTooLarge)

			_, err = Thumbnail(data, ThumbnailSize)
			require.ErrorIs(t, err, ErrImageTooLarge)
		})
	}
}

func TestDecodeAcceptsImagesBelowPixelCap(t *testing.T) {
	// passes the header check, then fails on the missing pixel data
	_, err := Decode(pngClaiming(t, 2000, 1000))
	require.ErrorIs(t, err, ErrUnsupportedFormat)
	require.NotErrorIs(t, err, ErrImageTooLarge)
}

func TestJpeg2000Dimensions(t *testing.T) {
	jp2 := append([]byte("\x00\x00\x00\x0cjP  \r\n\x87\n"), jpeg2000Claiming(640, 480)...)
	w, h, ok := jpeg2000Dimensions(jp2)
	require.True(t, ok)
	require.Equal(t, 640, w)
	require.Equal(t, 480, h)

	_, _, ok = jpeg2000Dimensions([]byte{0xFF, 0x4F, 0xFF, 0x51, 0x00})
	require.False(t, ok)
}

func TestDecodeBase64DataURL(t *testing.T) {
	raw := encodePNG(t, gradient(8, 8, false))
	encoded := base64.StdEncoding.EncodeToString(raw)

	plain, err := DecodeBase64(encoded)
	require.NoError(t, err)
	require.Equal(t, raw, plain)

	fromURL, err := DecodeBase64("data:image/png;base64," + encoded)
	require.NoError(t, err)
	require.Equal(t, raw, fromURL)

	_, err = DecodeBase64("%%%")
	require.Error(t, err)
}

func TestNormalizeProducesSquare(t *testing.T) {
	out := Normalize(gradient(300, 120, false), 32)
	require.Equal(t, image.Rect(0, 0, 32, 32), out.Bounds())
}

func TestThumbnailFitsWithinBox(t *testing.T) {
	data := encodeJPEG(t, gradient(800, 400, false))

	b64, err := Thumbnail(data, ThumbnailSize)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(b64)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, ThumbnailSize, img.Bounds().Dx())
	require.Equal(t, ThumbnailSize/2, img.Bounds().Dy())
}

func TestResizeToFitKeepsSmallImages(t *testing.T) {
	src := gradient(40, 30, false)
	require.Equal(t, src, resizeToFit(src, 400, 400))
}

func TestByteSizeComparator(t *testing.T) {
	a := encodePNG(t, gradient(120, 160, false))
	c := ByteSizeComparator{Size: 64}

	same, err := c.Compare(a, a)
	require.NoError(t, err)
	require.Equal(t, 1.0, same)

	other, err := c.Compare(a, encodeJPEG(t, gradient(90, 90, true)))
	require.NoError(t, err)
	require.GreaterOrEqual(t, other, 0.0)
	require.LessOrEqual(t, other, 1.0)

	_, err = c.Compare(a, []byte("garbage"))
	require.Error(t, err)
	require.Equal(t, facematch.MethodByteSize, c.Method())
}

func TestPerceptualHashComparator(t *testing.T) {
	a := encodePNG(t, gradient(120, 160, false))
	c := PerceptualHashComparator{}

	same, err := c.Compare(a, a)
	require.NoError(t, err)
	require.Equal(t, 1.0, same)

	inverted, err := c.Compare(a, encodePNG(t, gradient(120, 160, true)))
	require.NoError(t, err)
	require.Less(t, inverted, same)
	require.GreaterOrEqual(t, inverted, 0.0)

	_, err = c.Compare([]byte("garbage"), a)
	require.Error(t, err)
	require.Equal(t, facematch.MethodPerceptualHash, c.Method())
}

func TestNewComparator(t *testing.T) {
	c, err := NewComparator("")
	require.NoError(t, err)
	require.IsType(t, PerceptualHashComparator{}, c)

	c, err = NewComparator("byte-size")
	require.NoError(t, err)
	require.IsType(t, ByteSizeComparator{}, c)

	c, err = NewComparator("none")
	require.NoError(t, err)
	require.Nil(t, c)

	_, err = NewComparator("pixels")
	require.Error(t, err)
}
