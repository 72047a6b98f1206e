package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateVerifyAttendanceRequest(t *testing.T) {
	valid := VerifyAttendanceRequest{
		SessionId:  "0a1b2c",
		Nonce:      "deadbeef",
		UserId:     "alice",
		ActivityId: "lecture-1",
		Image:      "iVBORw0KGgo=",
	}
	require.NoError(t, Validate(valid))

	invalid := valid
	invalid.Nonce = "not-hex"
	invalid.Image = ""
	err := Validate(invalid)
	require.Error(t, err)
	require.Equal(t, map[string]string{"Nonce": "hexadecimal", "Image": "required"}, FieldErrors(err))
}

func TestValidateReviewDecisionRequiresApprove(t *testing.T) {
	err := Validate(ReviewDecisionRequest{Reviewer: "dr-smith"})
	require.Equal(t, map[string]string{"Approve": "required"}, FieldErrors(err))

	no := false
	require.NoError(t, Validate(ReviewDecisionRequest{Approve: &no, Reviewer: "dr-smith"}))
}

func TestValidateReferenceImageRequest(t *testing.T) {
	require.NoError(t, Validate(ReferenceImageRequest{Url: "https://cdn.example/alice.jpg"}))
	require.Error(t, Validate(ReferenceImageRequest{Url: "ftp://cdn.example/alice.jpg"}))
	require.Error(t, Validate(ReferenceImageRequest{Url: "alice.jpg"}))
}

func TestFieldErrorsIgnoresOtherErrors(t *testing.T) {
	require.Nil(t, FieldErrors(nil))
}
