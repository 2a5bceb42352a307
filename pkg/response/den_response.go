// Package response defines the JSON envelope shared by the API and relay.
package response

import (
	"bytes"
	stdjson "encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
)

// =============================================================================
// Standard API Response
// =============================================================================

// Response is the standard API response structure.
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo contains error details.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// =============================================================================
// Writers
// =============================================================================

// OK writes a 200 response carrying data.
func OK(w http.ResponseWriter, data any) {
	write(w, http.StatusOK, Response{Success: true, Data: data})
}

// Created writes a 201 response carrying data.
func Created(w http.ResponseWriter, data any) {
	write(w, http.StatusCreated, Response{Success: true, Data: data})
}

// NoContent writes a 204.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Error writes an error response.
func Error(w http.ResponseWriter, status int, code, message string) {
	write(w, status, Response{Error: &ErrorInfo{Code: code, Message: message}})
}

func write(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// =============================================================================
// Reader
// =============================================================================

// envelope mirrors Response with the payload left undecoded.
type envelope struct {
	Success bool               `json:"success"`
	Data    stdjson.RawMessage `json:"data"`
	Error   *ErrorInfo         `json:"error"`
}

// Decode reads an envelope from r. On success the payload is decoded into
// dest (which may be nil); otherwise the error info is returned. Bodies that
// are not enveloped are decoded into dest directly.
func Decode(r io.Reader, dest any) (*ErrorInfo, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) == 0 {
		return nil, nil
	}

	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		if dest == nil {
			return nil, nil
		}
		if err := json.Unmarshal(trimmed, dest); err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}
		return nil, nil
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	if env.Error != nil {
		return env.Error, nil
	}

	payload := env.Data
	if !env.Success && payload == nil {
		payload = body
	}
	if dest == nil || len(payload) == 0 || string(payload) == "null" {
		return nil, nil
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	return nil, nil
}
