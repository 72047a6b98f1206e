package facematch

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Sub-score weights. They sum to 1.
const (
	AspectRatioWeight  = 0.30
	RollWeight         = 0.10
	YawWeight          = 0.10
	LandmarkWeight     = 0.40
	RelativeSizeWeight = 0.10
)

// Heuristic defaults used when the detector omits data. Not empirically tuned.
const (
	NeutralAngleSimilarity    = 0.5
	NeutralLandmarkSimilarity = 0.8
)

const DefaultThreshold = 0.65

var weights = []float64{
	AspectRatioWeight,
	RollWeight,
	YawWeight,
	LandmarkWeight,
	RelativeSizeWeight,
}

// Breakdown exposes the individual sub-scores next to the combined score.
type Breakdown struct {
	AspectRatio  float64 `json:"aspect_ratio"`
	Roll         float64 `json:"roll"`
	Yaw          float64 `json:"yaw"`
	Landmarks    float64 `json:"landmarks"`
	RelativeSize float64 `json:"relative_size"`
	Score        float64 `json:"score"`
}

func (b Breakdown) vector() []float64 {
	return []float64{b.AspectRatio, b.Roll, b.Yaw, b.Landmarks, b.RelativeSize}
}

// Compare scores the first face of a against the first face of b using only
// detector geometry. If either result has no faces every value is 0.
func Compare(a, b DetectionResult) Breakdown {
	if len(a.Faces) == 0 || len(b.Faces) == 0 {
		return Breakdown{}
	}
	fa, fb := a.Faces[0], b.Faces[0]

	bd := Breakdown{
		AspectRatio:  clamp01(ratioSimilarity(aspectRatio(fa.Bounds), aspectRatio(fb.Bounds))),
		Roll:         clamp01(angleSimilarity(fa.RollAngle, fb.RollAngle)),
		Yaw:          clamp01(angleSimilarity(fa.YawAngle, fb.YawAngle)),
		Landmarks:    clamp01(landmarkSimilarity(fa, fb)),
		RelativeSize: clamp01(ratioSimilarity(relativeSize(fa, a), relativeSize(fb, b))),
	}
	bd.Score = clamp01(floats.Dot(bd.vector(), weights))
	return bd
}

// Similarity returns the combined score in [0,1].
func Similarity(a, b DetectionResult) float64 {
	return Compare(a, b).Score
}

// Scorer turns a similarity into a match decision.
type Scorer struct {
	Threshold float64
}

func NewScorer() Scorer {
	return Scorer{Threshold: DefaultThreshold}
}

func (s Scorer) Evaluate(a, b DetectionResult) Result {
	return s.FromBreakdown(Compare(a, b))
}

// FromBreakdown applies the threshold to an already computed comparison.
func (s Scorer) FromBreakdown(bd Breakdown) Result {
	return Result{
		Similarity: bd.Score,
		IsMatch:    bd.Score >= s.Threshold,
		Method:     MethodLandmarkGeometry,
	}
}

func aspectRatio(r Rect) float64 {
	if r.Height == 0 {
		return 0
	}
	return r.Width / r.Height
}

func relativeSize(f Face, d DetectionResult) float64 {
	area := d.ImageArea()
	if area == 0 {
		return 0
	}
	return f.Bounds.Area() / area
}

// ratioSimilarity is 1 - |x-y|/max(x,y). Two zeros are identical; a zero
// against a non-zero value is maximally different.
func ratioSimilarity(x, y float64) float64 {
	m := math.Max(x, y)
	if m <= 0 {
		if x == y {
			return 1
		}
		return 0
	}
	return 1 - math.Min(math.Abs(x-y)/m, 1)
}

func angleSimilarity(a, b *float64) float64 {
	if a == nil || b == nil {
		return NeutralAngleSimilarity
	}
	return 1 - math.Min(math.Abs(*a-*b)/180, 1)
}

func landmarkSimilarity(a, b Face) float64 {
	na, ok := normalizeLandmarks(a)
	if !ok {
		return NeutralLandmarkSimilarity
	}
	nb, ok := normalizeLandmarks(b)
	if !ok {
		return NeutralLandmarkSimilarity
	}

	var total float64
	var n int
	for _, name := range CanonicalLandmarks {
		pa, okA := na[name]
		pb, okB := nb[name]
		if !okA || !okB {
			continue
		}
		total += floats.Distance([]float64{pa.X, pa.Y}, []float64{pb.X, pb.Y}, 2)
		n++
	}
	if n == 0 {
		return NeutralLandmarkSimilarity
	}
	return 1 - math.Min(total/float64(n), 1)
}

// normalizeLandmarks expresses landmarks relative to the face's own bounding
// box so the comparison ignores position and scale.
func normalizeLandmarks(f Face) (map[LandmarkName]Point, bool) {
	if len(f.Landmarks) == 0 || f.Bounds.Width <= 0 || f.Bounds.Height <= 0 {
		return nil, false
	}
	out := make(map[LandmarkName]Point, len(f.Landmarks))
	for name, p := range f.Landmarks {
		out[name] = Point{
			X: (p.X - f.Bounds.X) / f.Bounds.Width,
			Y: (p.Y - f.Bounds.Y) / f.Bounds.Height,
		}
	}
	return out, true
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
