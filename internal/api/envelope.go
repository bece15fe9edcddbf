package api

import (
	"strings"

	"github.com/danielgtaylor/huma/v2"
)

// EnvelopeVersion is the value of the "v" field. Clients check it before parsing.
const EnvelopeVersion = 1

// Envelope wraps every JSON response body.
type Envelope struct {
	Version int    `json:"v"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
}

// EnvelopeTransformer is a huma transformer that wraps response bodies in an
// Envelope. Errors keep their code, message and details at the top level.
func EnvelopeTransformer(_ huma.Context, status string, v any) (any, error) {
	if apiErr, ok := v.(*APIError); ok {
		return &Envelope{
			Version: EnvelopeVersion,
			Success: false,
			Error:   apiErr.Message,
			Code:    apiErr.Code,
			Message: apiErr.Message,
			Details: apiErr.Details,
		}, nil
	}
	if _, ok := v.(*Envelope); ok {
		return v, nil
	}
	return &Envelope{
		Version: EnvelopeVersion,
		Success: strings.HasPrefix(status, "2") || strings.HasPrefix(status, "3"),
		Data:    v,
	}, nil
}
