package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go-attendance-verifier/attendance"
	"go-attendance-verifier/avatar"
	"go-attendance-verifier/detector"
	"go-attendance-verifier/images"
	"go-attendance-verifier/models"
	"go-attendance-verifier/verification"

	"github.com/gorilla/mux"
)

const ErrorInternal = "error:internal"
const ErrorValidation = "error:validation"
const ErrorInvalidSession = "error:invalid_session"
const ErrorNotFound = "error:not_found"
const ErrorNotPending = "error:not_pending"
const ErrorInvalidImage = "error:invalid_image"
const ErrorNoFace = "error:no_face"
const ErrorMultipleFaces = "error:multiple_faces"
const ErrorNoReference = "error:no_reference"
const ErrorUnusableReference = "error:unusable_reference"
const ErrorUnavailable = "error:unavailable"

const ERR_MARSHAL = "failed to marshal response message"
const ERR_TOKEN_STORE = "failed to store session"
const ERR_TOKEN_CONSUME = "failed to consume session"
const ERR_INVALID_NONCE_SESSION = "invalid session or nonce"
const ERR_VERIFICATION = "attendance verification failed"
const ERR_RECORD_LOOKUP = "failed to look up attendance records"

// MaxImageRequestBytes bounds a verify request, base64 inflates images by a third.
const MaxImageRequestBytes = 16 << 20
const maxSmallRequestBytes = 64 << 10

type ServerConfig struct {
	Host                string `json:"host"`
	Port                int    `json:"port"`
	UseTls              bool   `json:"use_tls,omitempty"`
	TlsPrivKeyPath      string `json:"tls_priv_key_path,omitempty"`
	TlsCertPath         string `json:"tls_cert_path,omitempty"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds,omitempty"`
}

// AttendanceVerifier runs a verification and stores its outcome.
type AttendanceVerifier interface {
	Verify(ctx context.Context, req verification.Request) (verification.Outcome, error)
}

// ReferenceManager replaces the reference image of a user.
type ReferenceManager interface {
	SetReference(ctx context.Context, userID, url string) error
}

type ServerState struct {
	tokenStorage TokenStorage
	verifier     AttendanceVerifier
	records      attendance.Store
	references   ReferenceManager
	// PEM encoded key that verifies issued receipts
	receiptKey []byte
}

type Server struct {
	server *http.Server
	config ServerConfig
}

func (s *Server) ListenAndServe() error {
	if s.config.UseTls {
		slog.Info("Starting server with TLS", "host", s.config.Host, "port", s.config.Port, "cert", s.config.TlsCertPath, "key", s.config.TlsPrivKeyPath)
		return s.server.ListenAndServeTLS(s.config.TlsCertPath, s.config.TlsPrivKeyPath)
	} else {
		slog.Info("Starting server without TLS", "host", s.config.Host, "port", s.config.Port)
		return s.server.ListenAndServe()
	}
}

func (s *Server) Stop() error {
	slog.Info("Shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	if err != nil {
		slog.Error("Error during server shutdown", "error", err)
	} else {
		slog.Info("Server shut down successfully")
	}
	return err
}

func NewServer(state *ServerState, config ServerConfig) (*Server, error) {
	slog.Info("Creating new server", "host", config.Host, "port", config.Port, "tls", config.UseTls)
	router := mux.NewRouter()

	router.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("Health check request received")
		err := json.NewEncoder(w).Encode(map[string]bool{"ok": true})
		if err != nil {
			slog.Error("failed to write body to http response", "error", err)
		}
	})

	router.HandleFunc("/api/start-verification", func(w http.ResponseWriter, r *http.Request) {
		handleStartVerification(state, w, r)
	})
	router.HandleFunc("/api/verify-attendance", func(w http.ResponseWriter, r *http.Request) {
		handleVerifyAttendance(state, w, r)
	})
	router.HandleFunc("/api/attendance/{activityId}", func(w http.ResponseWriter, r *http.Request) {
		handleListAttendance(state, w, r)
	}).Methods(http.MethodGet)
	router.HandleFunc("/api/attendance/{activityId}/{userId}", func(w http.ResponseWriter, r *http.Request) {
		handleGetAttendance(state, w, r)
	}).Methods(http.MethodGet)
	router.HandleFunc("/api/reviews", func(w http.ResponseWriter, r *http.Request) {
		handleListReviews(state, w, r)
	}).Methods(http.MethodGet)
	router.HandleFunc("/api/reviews/{activityId}/{userId}", func(w http.ResponseWriter, r *http.Request) {
		handleResolveReview(state, w, r)
	})
	router.HandleFunc("/api/users/{userId}/reference-image", func(w http.ResponseWriter, r *http.Request) {
		handleSetReferenceImage(state, w, r)
	}).Methods(http.MethodPut)
	router.HandleFunc("/api/receipt-public-key", func(w http.ResponseWriter, r *http.Request) {
		handleReceiptPublicKey(state, w, r)
	}).Methods(http.MethodGet)

	slog.Debug("Registered all API routes")

	writeTimeout := 90 * time.Second
	if config.WriteTimeoutSeconds > 0 {
		writeTimeout = time.Duration(config.WriteTimeoutSeconds) * time.Second
	}

	addr := fmt.Sprintf("%v:%v", config.Host, config.Port)
	srv := &http.Server{
		Handler: router,
		Addr:    addr,
		// detector retries can take a while, so writes get more time than reads
		WriteTimeout: writeTimeout,
		ReadTimeout:  15 * time.Second,
	}

	slog.Info("Server created successfully", "address", addr)
	return &Server{
		server: srv,
		config: config,
	}, nil
}

func handleStartVerification(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	slog.Info("Received request to start attendance verification")

	request, err := decodeRequest[models.StartVerificationRequest](w, r, maxSmallRequestBytes)
	if err != nil {
		respondWithDecodeErr(w, err)
		return
	}

	sessionId := GenerateSessionId()
	if sessionId == "" {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, "failed to generate session ID", fmt.Errorf("failed to generate session ID"))
		return
	}

	// Generate an 8 byte nonce
	nonce, err := GenerateNonce(8)
	if err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, "failed to generate nonce", err)
		return
	}

	// The session is consumed once the attendance record is stored
	session := Session{Nonce: nonce, UserId: request.UserId, ActivityId: request.ActivityId}
	if err := state.tokenStorage.StoreToken(r.Context(), sessionId, session); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_TOKEN_STORE, err)
		return
	}
	slog.Debug("Session stored successfully", "session_id", sessionId)

	response := models.StartVerificationResponse{
		SessionId: sessionId,
		Nonce:     nonce,
	}

	if err := writeJSON(w, http.StatusOK, response); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
		return
	}

	slog.Info("Attendance verification started", "session_id", sessionId, "user_id", request.UserId, "activity_id", request.ActivityId)
}

func handleVerifyAttendance(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	slog.Info("Received request to verify attendance")

	request, err := decodeRequest[models.VerifyAttendanceRequest](w, r, MaxImageRequestBytes)
	if err != nil {
		respondWithDecodeErr(w, err)
		return
	}

	// consumed up front so concurrent requests on one session cannot both run the pipeline
	session, err := state.tokenStorage.ConsumeToken(r.Context(), request.SessionId)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			respondWithErr(w, http.StatusBadRequest, ErrorInvalidSession, ERR_INVALID_NONCE_SESSION, err)
		} else {
			respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_TOKEN_CONSUME, err)
		}
		return
	}

	if err := validateSession(session, request); err != nil {
		restoreSession(r.Context(), state.tokenStorage, request.SessionId, session)
		respondWithErr(w, http.StatusBadRequest, ErrorInvalidSession, ERR_INVALID_NONCE_SESSION, err)
		return
	}

	imageBytes, err := images.DecodeBase64(request.Image)
	if err != nil {
		restoreSession(r.Context(), state.tokenStorage, request.SessionId, session)
		respondWithVerificationErr(w, fmt.Errorf("%w: %v", verification.ErrInvalidImage, err))
		return
	}

	outcome, err := state.verifier.Verify(r.Context(), verification.Request{
		UserID:     request.UserId,
		ActivityID: request.ActivityId,
		Image:      imageBytes,
	})
	if err != nil {
		// Verify stores nothing when it fails, so the photo can be retaken on the same session
		restoreSession(r.Context(), state.tokenStorage, request.SessionId, session)
		respondWithVerificationErr(w, err)
		return
	}

	rec := outcome.Record
	response := models.VerifyAttendanceResponse{
		RecordId:   rec.ID,
		Similarity: rec.Similarity,
		IsMatch:    rec.IsMatch,
		Method:     string(rec.Method),
		Status:     string(rec.Status),
		Error:      rec.Error,
		Receipt:    rec.ReceiptJwt,
	}

	if err := writeJSON(w, http.StatusOK, response); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
		return
	}

	slog.Info("Attendance verified", "session_id", request.SessionId, "user_id", rec.UserID, "activity_id", rec.ActivityID, "status", rec.Status, "similarity", rec.Similarity, "method", rec.Method)
}

func handleReceiptPublicKey(state *ServerState, w http.ResponseWriter, _ *http.Request) {
	if len(state.receiptKey) == 0 {
		respondWithErr(w, http.StatusNotFound, ErrorNotFound, "receipt signing is not configured", nil)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	if _, err := w.Write(state.receiptKey); err != nil {
		slog.Error("failed to write body to http response", "error", err)
	}
}

func handleListAttendance(state *ServerState, w http.ResponseWriter, r *http.Request) {
	activityId := mux.Vars(r)["activityId"]
	slog.Debug("Listing attendance", "activity_id", activityId)

	records, err := state.records.ListByActivity(r.Context(), activityId)
	if err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_RECORD_LOOKUP, err)
		return
	}
	if records == nil {
		records = []attendance.Record{}
	}
	if err := writeJSON(w, http.StatusOK, records); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
	}
}

func handleGetAttendance(state *ServerState, w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	record, err := state.records.Get(r.Context(), vars["userId"], vars["activityId"])
	if err != nil {
		respondWithRecordErr(w, err)
		return
	}
	if err := writeJSON(w, http.StatusOK, record); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
	}
}

func handleListReviews(state *ServerState, w http.ResponseWriter, r *http.Request) {
	records, err := state.records.ListPending(r.Context())
	if err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_RECORD_LOOKUP, err)
		return
	}
	if records == nil {
		records = []attendance.Record{}
	}
	if err := writeJSON(w, http.StatusOK, records); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
	}
}

func handleResolveReview(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	vars := mux.Vars(r)
	request, err := decodeRequest[models.ReviewDecisionRequest](w, r, maxSmallRequestBytes)
	if err != nil {
		respondWithDecodeErr(w, err)
		return
	}

	record, err := state.records.Resolve(r.Context(), vars["userId"], vars["activityId"], *request.Approve, request.Reviewer)
	if err != nil {
		respondWithRecordErr(w, err)
		return
	}

	if err := writeJSON(w, http.StatusOK, record); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
		return
	}
	slog.Info("Review resolved", "user_id", record.UserID, "activity_id", record.ActivityID, "status", record.Status, "reviewer", request.Reviewer)
}

func handleSetReferenceImage(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	userId := mux.Vars(r)["userId"]
	request, err := decodeRequest[models.ReferenceImageRequest](w, r, maxSmallRequestBytes)
	if err != nil {
		respondWithDecodeErr(w, err)
		return
	}

	if err := state.references.SetReference(r.Context(), userId, request.Url); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, "failed to set reference image", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
	slog.Info("Reference image updated", "user_id", userId)
}

// -----------------------------------------------------------------------------------

var errInvalidSession = errors.New(ERR_INVALID_NONCE_SESSION)

// validateSession checks that the nonce belongs to the session and that the
// session was started for the same user and activity.
func validateSession(session Session, request models.VerifyAttendanceRequest) error {
	slog.Debug("Validating session and nonce", "session_id", request.SessionId)
	if session.Nonce == "" || session.Nonce != request.Nonce {
		slog.Warn("Invalid nonce or session", "session_id", request.SessionId, "nonce_empty", session.Nonce == "")
		return errInvalidSession
	}
	if session.UserId != request.UserId || session.ActivityId != request.ActivityId {
		slog.Warn("Session was started for another user or activity", "session_id", request.SessionId)
		return errInvalidSession
	}

	slog.Debug("Session validation successful", "session_id", request.SessionId)
	return nil
}

// restoreSession puts a consumed session back with its original expiry.
func restoreSession(ctx context.Context, storage TokenStorage, sessionId string, session Session) {
	if err := storage.StoreToken(context.WithoutCancel(ctx), sessionId, session); err != nil {
		slog.Error("Failed to restore session", "session_id", sessionId, "error", err)
	}
}

type requestError struct {
	fields map[string]string
	err    error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

// decodeRequest decodes a JSON body of at most maxBytes and validates it.
func decodeRequest[T any](w http.ResponseWriter, r *http.Request, maxBytes int64) (T, error) {
	var request T
	body := http.MaxBytesReader(w, r.Body, maxBytes)
	if err := json.NewDecoder(body).Decode(&request); err != nil {
		slog.Warn("Failed to decode request", "path", r.URL.Path, "error", err)
		return request, &requestError{err: fmt.Errorf("decode request body: %w", err)}
	}
	if err := models.Validate(request); err != nil {
		return request, &requestError{fields: models.FieldErrors(err), err: err}
	}
	return request, nil
}

func respondWithDecodeErr(w http.ResponseWriter, err error) {
	var reqErr *requestError
	fields := map[string]string(nil)
	if errors.As(err, &reqErr) {
		fields = reqErr.fields
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		respondWithJSONErr(w, http.StatusRequestEntityTooLarge, models.ErrorResponse{Error: ErrorValidation, Message: "request body too large"}, "invalid request", err)
		return
	}
	respondWithJSONErr(w, http.StatusBadRequest, models.ErrorResponse{Error: ErrorValidation, Fields: fields}, "invalid request", err)
}

// verificationStatus maps a verification failure onto a status code and error code.
func verificationStatus(err error) (int, string) {
	switch {
	case errors.Is(err, verification.ErrInvalidImage):
		return http.StatusBadRequest, ErrorInvalidImage
	case errors.Is(err, detector.ErrNoFaceDetected):
		return http.StatusUnprocessableEntity, ErrorNoFace
	case errors.Is(err, detector.ErrMultipleFaces):
		return http.StatusUnprocessableEntity, ErrorMultipleFaces
	case errors.Is(err, avatar.ErrNoReferenceImage):
		return http.StatusConflict, ErrorNoReference
	case errors.Is(err, verification.ErrUnusableReference):
		return http.StatusConflict, ErrorUnusableReference
	case errors.Is(err, verification.ErrServiceUnavailable), errors.Is(err, verification.ErrVerificationAborted):
		return http.StatusServiceUnavailable, ErrorUnavailable
	default:
		return http.StatusInternalServerError, ErrorInternal
	}
}

func respondWithVerificationErr(w http.ResponseWriter, err error) {
	code, errorCode := verificationStatus(err)
	body := models.ErrorResponse{Error: errorCode, Message: verification.UserMessage(err)}
	respondWithJSONErr(w, code, body, ERR_VERIFICATION, err)
}

func respondWithRecordErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, attendance.ErrNotFound):
		respondWithErr(w, http.StatusNotFound, ErrorNotFound, "attendance record not found", err)
	case errors.Is(err, attendance.ErrNotPending):
		respondWithErr(w, http.StatusConflict, ErrorNotPending, "attendance record is not pending review", err)
	default:
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_RECORD_LOOKUP, err)
	}
}

func GenerateSessionId() string {
	sessionId := make([]byte, 16)
	if _, err := rand.Read(sessionId); err != nil {
		slog.Error("failed to generate session ID", "error", err)
		return ""
	}
	hexId := fmt.Sprintf("%x", sessionId)
	slog.Debug("Session ID generated successfully", "session_id", hexId)
	return hexId
}

// GenerateNonce Generates a random nonce
func GenerateNonce(i int) (string, error) {
	nonce := make([]byte, i)
	if _, err := rand.Read(nonce); err != nil {
		slog.Error("failed to generate nonce", "error", err)
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	hexString := hex.EncodeToString(nonce)
	slog.Debug("Nonce generated successfully", "length", i)
	return hexString, nil
}

func respondWithErr(w http.ResponseWriter, code int, responseBody string, logMsg string, e error) {
	respondWithJSONErr(w, code, models.ErrorResponse{Error: responseBody}, logMsg, e)
}

func respondWithJSONErr(w http.ResponseWriter, code int, body models.ErrorResponse, logMsg string, e error) {
	if code >= http.StatusInternalServerError {
		slog.Error(logMsg, "error", e, "status_code", code, "response_body", body.Error)
	} else {
		slog.Warn(logMsg, "error", e, "status_code", code, "response_body", body.Error)
	}
	if err := writeJSON(w, code, body); err != nil {
		slog.Error("failed to write body to http response", "error", err)
	}
}

// helpers ------------

func closeRequestBody(r *http.Request) {
	if err := r.Body.Close(); err != nil {
		slog.Error("failed to close request body", "error", err)
	}

}

func requirePOST(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		slog.Debug("Non-POST request rejected", "method", r.Method, "path", r.URL.Path)
		respondWithErr(w, http.StatusMethodNotAllowed, "method not allowed", "invalid method", nil)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	slog.Debug("Writing JSON response", "status_code", status)
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal JSON payload", "error", err)
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(payload)
	if err != nil {
		slog.Error("failed to write body to http response", "error", err)
	} else {
		slog.Debug("JSON response written successfully", "status_code", status, "payload_size", len(payload))
	}
	return nil
}
