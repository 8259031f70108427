// Package httpx provides HTTP response utilities following RFC7807 problem details.
package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pharmadist/pharmadist/internal/shared"
)

// ProblemDetail represents RFC7807 problem details.
type ProblemDetail struct {
	Type   string            `json:"type,omitempty"`
	Title  string            `json:"title"`
	Status int               `json:"status"`
	Detail string            `json:"detail,omitempty"`
	Field  string            `json:"field,omitempty"`
	Errors map[string]string `json:"errors,omitempty"`
}

// PartialSuccessBody carries the committed resource next to the problem.
type PartialSuccessBody struct {
	ProblemDetail
	Committed any `json:"committed,omitempty"`
}

// JSON sends a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Problem sends an RFC7807 problem details response.
func Problem(w http.ResponseWriter, status int, title, detail string) {
	JSON(w, status, ProblemDetail{
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// DecodeJSON decodes JSON request body into the target struct.
func DecodeJSON(r *http.Request, target any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	return nil
}

// Binder decodes and validates request payloads.
type Binder struct {
	validate *validator.Validate
}

// NewBinder constructs a Binder with a fresh validator.
func NewBinder() *Binder {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Binder{validate: v}
}

// Bind decodes the body into target and validates its struct tags. On
// failure it writes the problem response and returns false.
func (b *Binder) Bind(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := DecodeJSON(r, target); err != nil {
		RespondError(w, err)
		return false
	}
	if err := b.validate.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			RespondError(w, fmt.Errorf("%w: %v", shared.ErrValidation, err))
			return false
		}
		problem := ProblemDetail{Type: "validation", Title: "Validation Failed", Status: http.StatusBadRequest, Errors: make(map[string]string, len(fieldErrs))}
		for _, fe := range fieldErrs {
			problem.Errors[fe.Namespace()] = fe.Tag()
		}
		JSON(w, http.StatusBadRequest, problem)
		return false
	}
	return true
}
