package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go-attendance-verifier/attendance"
	"go-attendance-verifier/avatar"
	"go-attendance-verifier/facematch"
	"go-attendance-verifier/images"
	"go-attendance-verifier/models"
	"go-attendance-verifier/verification"

	"github.com/stretchr/testify/require"
)

var testConfig = ServerConfig{
	Host:           "localhost",
	Port:           8081,
	UseTls:         false,
	TlsCertPath:    "",
	TlsPrivKeyPath: "",
}

const testBaseUrl = "http://localhost:8081"

// testHarness is the server state of an integration test together with the
// fakes behind it.
type testHarness struct {
	state     *ServerState
	storage   *InMemoryTokenStorage
	store     *attendance.MemoryStore
	avatars   *fakeAvatars
	detector  *fakeDetector
	signer    *JwtReceiptSigner
	reference []byte
}

// Captured photos, each with a distinct detection result.
var (
	matchingPhoto  []byte
	shiftedPhoto   []byte
	noFacePhoto    []byte
	crowdPhoto     []byte
	referencePhoto []byte
)

func init() {
	matchingPhoto = solidPNG(color.RGBA{R: 200, A: 255})
	shiftedPhoto = solidPNG(color.RGBA{G: 200, A: 255})
	noFacePhoto = solidPNG(color.RGBA{R: 200, G: 200, A: 255})
	crowdPhoto = solidPNG(color.RGBA{G: 200, B: 200, A: 255})
	referencePhoto = solidPNG(color.RGBA{B: 200, A: 255})
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	signer, err := NewJwtReceiptSigner(writeTestPrivateKey(t), "attendance_verifier")
	require.NoError(t, err)

	h := &testHarness{
		storage: NewInMemoryTokenStorage(),
		store:   attendance.NewMemoryStore(),
		avatars: &fakeAvatars{images: map[string][]byte{"alice": referencePhoto, "bob": referencePhoto}},
		detector: &fakeDetector{results: map[string]facematch.DetectionResult{
			string(referencePhoto): testDetection(testFace()),
			string(matchingPhoto):  testDetection(testFace()),
			string(shiftedPhoto):   testDetection(shiftedTestFace()),
			string(noFacePhoto):    testDetection(),
			string(crowdPhoto):     testDetection(testFace(), testFace()),
		}},
		signer:    signer,
		reference: referencePhoto,
	}

	fallback, err := images.NewComparator("none")
	require.NoError(t, err)

	verifier := verification.NewVerifier(h.avatars, h.detector, h.store,
		verification.WithFallback(fallback),
		verification.WithReceiptSigner(signer),
		verification.WithReviewQueue(&attendance.InlineQueue{Worker: attendance.NewReviewWorker(h.store)}),
	)
	receiptKey, err := signer.PublicKeyPEM()
	require.NoError(t, err)

	h.state = &ServerState{
		tokenStorage: h.storage,
		verifier:     verifier,
		records:      h.store,
		references:   h.avatars,
		receiptKey:   receiptKey,
	}
	return h
}

func startTestServer(t *testing.T) *testHarness {
	t.Helper()

	h := newTestHarness(t)
	srv, err := NewServer(h.state, testConfig)
	require.NoError(t, err)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Errorf("server error: %v", err)
		}
	}()

	waitUntilHealthy(t, testBaseUrl+"/api/health")
	t.Cleanup(func() {
		if err := srv.Stop(); err != nil {
			t.Logf("error shutting down server: %v", err)
		}
	})
	return h
}

func waitUntilHealthy(t *testing.T, url string) {
	t.Helper()
	const maxAttempts = 50
	for i := 0; i < maxAttempts; i++ {
		if resp, err := http.Get(url); err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("server did not start in time")
}

func doJSON[T any](t *testing.T, method, url string, payload any) (*http.Response, []byte, *T) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewBuffer(b)
	}
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var v T
	_ = json.Unmarshal(respBody, &v)

	return resp, respBody, &v
}

func postJSON[T any](t *testing.T, url string, payload any) (*http.Response, []byte, *T) {
	t.Helper()
	return doJSON[T](t, http.MethodPost, url, payload)
}

func getJSON[T any](t *testing.T, url string) (*http.Response, []byte, *T) {
	t.Helper()
	return doJSON[T](t, http.MethodGet, url, nil)
}

func mustStatus(t *testing.T, resp *http.Response, want int, body []byte) {
	t.Helper()
	require.Equalf(t, want, resp.StatusCode, "body: %s", body)
}

// start-verification bootstrap
func startVerification(t *testing.T, userId, activityId string) (sessionID, nonce string) {
	t.Helper()
	request := models.StartVerificationRequest{UserId: userId, ActivityId: activityId}
	resp, body, sr := postJSON[models.StartVerificationResponse](t, testBaseUrl+"/api/start-verification", request)
	mustStatus(t, resp, http.StatusOK, body)
	require.NotEmpty(t, sr.SessionId)
	require.NotEmpty(t, sr.Nonce)
	return sr.SessionId, sr.Nonce
}

// Request builders
type reqOpt func(*models.VerifyAttendanceRequest)

func withImage(img []byte) reqOpt {
	return func(r *models.VerifyAttendanceRequest) { r.Image = base64.StdEncoding.EncodeToString(img) }
}

func withNonce(nonce string) reqOpt {
	return func(r *models.VerifyAttendanceRequest) { r.Nonce = nonce }
}

func withUser(userId string) reqOpt {
	return func(r *models.VerifyAttendanceRequest) { r.UserId = userId }
}

func newReq(sessionId, nonce string, opts ...reqOpt) models.VerifyAttendanceRequest {
	r := models.VerifyAttendanceRequest{
		SessionId:  sessionId,
		Nonce:      nonce,
		UserId:     "alice",
		ActivityId: "lecture-1",
		Image:      base64.StdEncoding.EncodeToString(matchingPhoto),
	}
	for _, o := range opts {
		o(&r)
	}
	return r
}

// writeTestPrivateKey stores a PKCS#1 PEM key in a temp dir and returns its path.
func writeTestPrivateKey(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "priv.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	require.NoError(t, os.WriteFile(path, pemBytes, 0o600))
	return path
}

func solidPNG(c color.Color) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 40, 56))
	for y := 0; y < 56; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func ptr(v float64) *float64 { return &v }

func testFace() facematch.Face {
	return facematch.Face{
		Bounds:    facematch.Rect{X: 0, Y: 0, Width: 100, Height: 140},
		RollAngle: ptr(0),
		YawAngle:  ptr(0),
		Landmarks: map[facematch.LandmarkName]facematch.Point{
			facematch.LeftEye:     {X: 30, Y: 40},
			facematch.RightEye:    {X: 70, Y: 40},
			facematch.NoseBase:    {X: 50, Y: 70},
			facematch.MouthBottom: {X: 50, Y: 100},
		},
	}
}

func shiftedTestFace() facematch.Face {
	face := testFace()
	face.Bounds = facematch.Rect{Width: 60, Height: 140}
	shifted := map[facematch.LandmarkName]facematch.Point{}
	for name, p := range face.Landmarks {
		shifted[name] = facematch.Point{X: p.X + 50, Y: p.Y + 50}
	}
	face.Landmarks = shifted
	face.YawAngle = ptr(60)
	return face
}

func testDetection(faces ...facematch.Face) facematch.DetectionResult {
	return facematch.DetectionResult{Faces: faces, ImageWidth: 200, ImageHeight: 280}
}

// test doubles

type fakeAvatars struct {
	mutex  sync.Mutex
	images map[string][]byte
	urls   map[string]string
}

func (f *fakeAvatars) Fetch(_ context.Context, userID string) ([]byte, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	img, ok := f.images[userID]
	if !ok {
		return nil, avatar.ErrNoReferenceImage
	}
	return img, nil
}

func (f *fakeAvatars) SetReference(_ context.Context, userID, url string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.urls == nil {
		f.urls = map[string]string{}
	}
	f.urls[userID] = url
	return nil
}

func (f *fakeAvatars) referenceURL(userID string) string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.urls[userID]
}

// fakeDetector returns the detection registered for the exact image bytes.
type fakeDetector struct {
	mutex   sync.Mutex
	results map[string]facematch.DetectionResult
	err     error
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeDetector) Detect(ctx context.Context, img []byte) (facematch.DetectionResult, error) {
	f.mutex.Lock()
	gate, entered := f.gate, f.entered
	f.mutex.Unlock()
	if gate != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return facematch.DetectionResult{}, ctx.Err()
		}
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.err != nil {
		return facematch.DetectionResult{}, f.err
	}
	return f.results[string(img)], nil
}

// hold blocks detections until release is called. entered receives once a
// detection is waiting.
func (f *fakeDetector) hold() (entered <-chan struct{}, release func()) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.gate = make(chan struct{})
	f.entered = make(chan struct{}, 1)
	gate := f.gate
	return f.entered, func() { close(gate) }
}

func (f *fakeDetector) fail(err error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.err = err
}
