package models

type StartVerificationResponse struct {
	SessionId string `json:"session_id"`
	Nonce     string `json:"nonce"`
}

type VerifyAttendanceResponse struct {
	RecordId   string  `json:"record_id"`
	Similarity float64 `json:"similarity"` // 0-1 similarity score
	IsMatch    bool    `json:"is_match"`   // Whether the score reached the threshold
	Method     string  `json:"method"`
	Status     string  `json:"status"`
	Error      string  `json:"error,omitempty"`
	Receipt    string  `json:"receipt,omitempty"`
}

// ErrorResponse carries a machine readable code and a message for the user.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}
