package relay

import (
	"encoding/json"
	"strings"
)

// ErrorDetail picks the most specific message out of an OpenAI-style error
// body, falling back to the raw body and then "unknown_error".
func ErrorDetail(raw []byte) string {
	var body struct {
		Detail           json.RawMessage `json:"detail"`
		ErrorDescription string          `json:"error_description"`
		Error            json.RawMessage `json:"error"`
	}
	_ = json.Unmarshal(raw, &body)

	var detail struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if json.Unmarshal(body.Detail, &detail) == nil {
		if detail.Message != "" {
			return detail.Message
		}
		if detail.Code != "" {
			return detail.Code
		}
	}

	if body.ErrorDescription != "" {
		return body.ErrorDescription
	}

	var nested struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body.Error, &nested) == nil && nested.Message != "" {
		return nested.Message
	}
	var flat string
	if json.Unmarshal(body.Error, &flat) == nil && flat != "" {
		return flat
	}

	if text := strings.TrimSpace(string(raw)); text != "" {
		return text
	}
	return "unknown_error"
}
