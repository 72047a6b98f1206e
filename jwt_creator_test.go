package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go-attendance-verifier/attendance"
	"go-attendance-verifier/facematch"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"
)

var testRecord = attendance.Record{
	ID:         "rec-1",
	UserID:     "alice",
	ActivityID: "lecture-1",
	Similarity: 0.87,
	IsMatch:    true,
	Method:     facematch.MethodLandmarkGeometry,
	Status:     attendance.StatusPresent,
}

func TestCreatingReceipt(t *testing.T) {
	jc, err := NewJwtReceiptSigner(writeTestPrivateKey(t), "attendance_verifier")
	require.NoError(t, err)

	receipt, err := jc.CreateReceipt(testRecord)
	require.NoError(t, err)
	require.NotEmpty(t, receipt)
}

func TestDecodeValidateReceipt(t *testing.T) {
	jc, err := NewJwtReceiptSigner(writeTestPrivateKey(t), "attendance_verifier")
	require.NoError(t, err)
	issuedAt := time.Now().Truncate(time.Second)
	jc.now = func() time.Time { return issuedAt }

	tokenString, err := jc.CreateReceipt(testRecord)
	require.NoError(t, err)

	var claims ReceiptClaims
	parsedJWT, err := jwt.ParseWithClaims(tokenString, &claims, receiptKeyFunc(jc))
	require.NoError(t, err)
	require.True(t, parsedJWT.Valid)

	require.Equal(t, "attendance_verifier", claims.Issuer)
	require.Equal(t, "alice", claims.Subject)
	require.Equal(t, "lecture-1", claims.ActivityId)
	require.Equal(t, 0.87, claims.Similarity)
	require.Equal(t, "landmark-geometry", claims.Method)
	require.Equal(t, "present", claims.Status)
	require.Equal(t, issuedAt.Unix(), claims.IssuedAt.Unix())
	require.Equal(t, issuedAt.Add(ReceiptValidity).Unix(), claims.ExpiresAt.Unix())
}

func TestExpiredReceiptIsRejected(t *testing.T) {
	jc, err := NewJwtReceiptSigner(writeTestPrivateKey(t), "attendance_verifier")
	require.NoError(t, err)
	jc.now = func() time.Time { return time.Now().Add(-2 * ReceiptValidity) }

	tokenString, err := jc.CreateReceipt(testRecord)
	require.NoError(t, err)

	_, err = jwt.ParseWithClaims(tokenString, &ReceiptClaims{}, receiptKeyFunc(jc))
	require.Error(t, err)
}

func TestReceiptFromOtherKeyIsRejected(t *testing.T) {
	signer, err := NewJwtReceiptSigner(writeTestPrivateKey(t), "attendance_verifier")
	require.NoError(t, err)
	other, err := NewJwtReceiptSigner(writeTestPrivateKey(t), "attendance_verifier")
	require.NoError(t, err)

	tokenString, err := signer.CreateReceipt(testRecord)
	require.NoError(t, err)

	_, err = jwt.ParseWithClaims(tokenString, &ReceiptClaims{}, receiptKeyFunc(other))
	require.Error(t, err)
}

func receiptKeyFunc(jc *JwtReceiptSigner) jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		// Ensure the signing method is RS256
		if token.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %s", token.Header["alg"])
		}
		return jc.PublicKey(), nil
	}
}

func TestNewJwtReceiptSigner_ErrorCases(t *testing.T) {
	t.Run("file not found", func(t *testing.T) {
		_, err := NewJwtReceiptSigner("./nonexistent.pem", "issuer")
		require.Error(t, err)
	})

	t.Run("invalid PEM format", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "invalid.pem")
		require.NoError(t, os.WriteFile(path, []byte("this is not a valid PEM file"), 0o600))

		_, err := NewJwtReceiptSigner(path, "issuer")
		require.Error(t, err)
	})
}
