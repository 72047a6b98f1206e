package images

import (
	"fmt"
	"image/png"
	"log/slog"
	"math"

	"github.com/corona10/goimagehash"

	"go-attendance-verifier/facematch"
)

// NormalizedSize is the edge length both images are scaled to before a
// direct comparison.
const NormalizedSize = 128

// Comparator compares two encoded images directly, without face detection.
// It is only a fallback for when the geometric scorer is inconclusive.
type Comparator interface {
	Compare(a, b []byte) (float64, error)
	Method() facematch.Method
}

// ByteSizeComparator normalizes both images to the same square size and
// compares the length of their PNG encodings. File size is a very weak proxy
// for visual similarity; results from it must never auto-accept a match.
type ByteSizeComparator struct {
	Size int
}

func (c ByteSizeComparator) Method() facematch.Method {
	return facematch.MethodByteSize
}

func (c ByteSizeComparator) Compare(a, b []byte) (float64, error) {
	size := c.Size
	if size <= 0 {
		size = NormalizedSize
	}

	la, err := normalizedPNGLen(a, size)
	if err != nil {
		return 0, fmt.Errorf("failed to normalize first image: %w", err)
	}
	lb, err := normalizedPNGLen(b, size)
	if err != nil {
		return 0, fmt.Errorf("failed to normalize second image: %w", err)
	}

	m := math.Max(float64(la), float64(lb))
	if m == 0 {
		return 0, nil
	}
	similarity := 1 - math.Abs(float64(la)-float64(lb))/m
	slog.Debug("Byte size comparison completed", "size_a", la, "size_b", lb, "similarity", similarity)
	return math.Max(0, math.Min(1, similarity)), nil
}

func normalizedPNGLen(data []byte, size int) (int, error) {
	img, err := Decode(data)
	if err != nil {
		return 0, err
	}
	b, err := EncodePNG(Normalize(img, size), png.DefaultCompression)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// PerceptualHashComparator compares 64-bit perceptual and difference hashes.
// Similarity is the weighted share of matching bits.
type PerceptualHashComparator struct {
	// PerceptionWeight is the share given to the DCT based hash, the rest
	// goes to the difference hash. Zero means 0.6.
	PerceptionWeight float64
}

const hashBits = 64

func (c PerceptualHashComparator) Method() facematch.Method {
	return facematch.MethodPerceptualHash
}

func (c PerceptualHashComparator) Compare(a, b []byte) (float64, error) {
	ha, err := hashImage(a)
	if err != nil {
		return 0, fmt.Errorf("failed to hash first image: %w", err)
	}
	hb, err := hashImage(b)
	if err != nil {
		return 0, fmt.Errorf("failed to hash second image: %w", err)
	}

	pDist, err := ha.perception.Distance(hb.perception)
	if err != nil {
		return 0, fmt.Errorf("failed to compare perception hashes: %w", err)
	}
	dDist, err := ha.difference.Distance(hb.difference)
	if err != nil {
		return 0, fmt.Errorf("failed to compare difference hashes: %w", err)
	}

	w := c.PerceptionWeight
	if w <= 0 || w > 1 {
		w = 0.6
	}
	similarity := w*(1-float64(pDist)/hashBits) + (1-w)*(1-float64(dDist)/hashBits)
	slog.Debug("Perceptual hash comparison completed", "perception_distance", pDist, "difference_distance", dDist, "similarity", similarity)
	return math.Max(0, math.Min(1, similarity)), nil
}

type imageHashes struct {
	perception *goimagehash.ImageHash
	difference *goimagehash.ImageHash
}

func hashImage(data []byte) (imageHashes, error) {
	img, err := Decode(data)
	if err != nil {
		return imageHashes{}, err
	}
	img = Normalize(img, NormalizedSize)

	p, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return imageHashes{}, err
	}
	d, err := goimagehash.DifferenceHash(img)
	if err != nil {
		return imageHashes{}, err
	}
	return imageHashes{perception: p, difference: d}, nil
}

// NewComparator returns the comparator configured by name, or nil for "none".
func NewComparator(name string) (Comparator, error) {
	switch name {
	case "", string(facematch.MethodPerceptualHash):
		return PerceptualHashComparator{}, nil
	case string(facematch.MethodByteSize):
		return ByteSizeComparator{Size: NormalizedSize}, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("%v is not a valid fallback method", name)
	}
}
