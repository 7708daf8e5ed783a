package models

// APIStatus is the status field of a successful API response.
type APIStatus string

const (
	APIStatusOK APIStatus = "success"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message with additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data
}

// Success creates a success response with the given result.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a success response with a message and result.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// ErrorResponse is the body of every 4xx/5xx API answer.
type ErrorResponse struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// Error creates an error body for the given HTTP status code.
func Error(code int, message string) ErrorResponse {
	return ErrorResponse{Error: true, Message: message, Code: code}
}
