package models

type StartVerificationRequest struct {
	UserId     string `json:"user_id" validate:"required,max=128"`
	ActivityId string `json:"activity_id" validate:"required,max=128"`
}

type VerifyAttendanceRequest struct {
	SessionId  string `json:"session_id" validate:"required,hexadecimal"`
	Nonce      string `json:"nonce" validate:"required,hexadecimal"`
	UserId     string `json:"user_id" validate:"required,max=128"`
	ActivityId string `json:"activity_id" validate:"required,max=128"`
	Image      string `json:"image" validate:"required"` // Base64 encoded image, data url prefix allowed
}

type ReviewDecisionRequest struct {
	Approve  *bool  `json:"approve" validate:"required"`
	Reviewer string `json:"reviewer" validate:"required,max=128"`
}

type ReferenceImageRequest struct {
	Url string `json:"url" validate:"required,url,startswith=http"`
}
