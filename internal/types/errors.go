package types

// ErrorBody is the payload of every REST error. Kind carries the
// controller fault kind when the error came from the machine.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// NewFaultResponse is NewErrorResponse for controller faults.
func NewFaultResponse(code, message, kind string, cause error) ErrorResponse {
	resp := NewErrorResponse(code, message, nil)
	resp.Error.Kind = kind
	if cause != nil {
		resp.Error.Details = cause.Error()
	}
	return resp
}
