package main

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"go-attendance-verifier/attendance"

	"github.com/golang-jwt/jwt/v4"
)

const ReceiptValidity = 24 * time.Hour

// ReceiptClaims is the payload of an attendance receipt.
type ReceiptClaims struct {
	ActivityId string  `json:"activity"`
	Similarity float64 `json:"similarity"`
	Method     string  `json:"method"`
	Status     string  `json:"status"`
	jwt.RegisteredClaims
}

type JwtReceiptSigner struct {
	privateKey *rsa.PrivateKey
	issuerId   string
	now        func() time.Time
}

func NewJwtReceiptSigner(privateKeyPath string, issuerId string) (*JwtReceiptSigner, error) {
	keyBytes, err := os.ReadFile(privateKeyPath)

	if err != nil {
		return nil, err
	}

	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM(keyBytes)

	if err != nil {
		return nil, fmt.Errorf("failed to parse receipt private key: %w", err)
	}

	return &JwtReceiptSigner{
		privateKey: privateKey,
		issuerId:   issuerId,
		now:        time.Now,
	}, nil
}

func (jc *JwtReceiptSigner) CreateReceipt(record attendance.Record) (string, error) {
	issuedAt := jc.now()
	claims := ReceiptClaims{
		ActivityId: record.ActivityID,
		Similarity: record.Similarity,
		Method:     string(record.Method),
		Status:     string(record.Status),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    jc.issuerId,
			Subject:   record.UserID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ReceiptValidity)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(jc.privateKey)
}

// PublicKey returns the key receipts can be verified with.
func (jc *JwtReceiptSigner) PublicKey() *rsa.PublicKey {
	return &jc.privateKey.PublicKey
}

// PublicKeyPEM encodes the public key as a PKIX "PUBLIC KEY" block.
func (jc *JwtReceiptSigner) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(jc.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal receipt public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
