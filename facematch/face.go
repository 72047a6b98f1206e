package facematch

// LandmarkName identifies an anatomical point reported by the face detector.
type LandmarkName string

const (
	LeftEye     LandmarkName = "leftEye"
	RightEye    LandmarkName = "rightEye"
	LeftCheek   LandmarkName = "leftCheek"
	RightCheek  LandmarkName = "rightCheek"
	NoseBase    LandmarkName = "noseBase"
	MouthBottom LandmarkName = "mouthBottom"
)

// CanonicalLandmarks are the landmarks compared by the scorer. Anything else
// the detector reports is ignored.
var CanonicalLandmarks = []LandmarkName{
	LeftEye, RightEye, LeftCheek, RightCheek, NoseBase, MouthBottom,
}

var landmarkAliases = map[string]LandmarkName{
	"nose":  NoseBase,
	"mouth": MouthBottom,
}

// ParseLandmarkName maps detector landmark keys onto canonical names.
func ParseLandmarkName(s string) LandmarkName {
	if alias, ok := landmarkAliases[s]; ok {
		return alias
	}
	return LandmarkName(s)
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is a bounding box in image pixel coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (r Rect) Area() float64 {
	return r.Width * r.Height
}

// Face is one detected face. Angles are in degrees, nil when the detector did
// not classify them.
type Face struct {
	Bounds             Rect                   `json:"bounds"`
	RollAngle          *float64               `json:"roll_angle,omitempty"`
	YawAngle           *float64               `json:"yaw_angle,omitempty"`
	Landmarks          map[LandmarkName]Point `json:"landmarks,omitempty"`
	SmilingProbability *float64               `json:"smiling_probability,omitempty"`
}

// DetectionResult holds the faces found in one image and that image's size.
type DetectionResult struct {
	Faces       []Face `json:"faces"`
	ImageWidth  int    `json:"image_width"`
	ImageHeight int    `json:"image_height"`
}

func (d DetectionResult) ImageArea() float64 {
	return float64(d.ImageWidth) * float64(d.ImageHeight)
}

// Method tags which comparison strategy produced a result.
type Method string

const (
	MethodLandmarkGeometry Method = "landmark-geometry"
	MethodPerceptualHash   Method = "perceptual-hash"
	MethodByteSize         Method = "byte-size"
)

// Result is the outcome of one verification comparison.
type Result struct {
	Similarity float64 `json:"similarity"`
	IsMatch    bool    `json:"is_match"`
	Error      string  `json:"error,omitempty"`
	Method     Method  `json:"method"`
}
