// Package validator decodes and validates JSON request bodies. Every failure,
// whether malformed JSON, a wrong JSON type or a violated field constraint,
// is answered with the same 400 payload:
//
//	{"detail": [{"loc": ["body", "subject_id"], "msg": "...", "type": "..."}], "message": "..."}
package validator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"

	"github.com/ghuser/activitypipeline/pkg/httpx"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]

		// ignore unexported or explicitly ignored
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	if err := validate.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}
}

// FieldError is one entry of the "detail" list.
type FieldError struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

// ErrorResponse is the unified client-error body.
type ErrorResponse struct {
	Detail  []FieldError `json:"detail"`
	Message string       `json:"message"`
}

// RegisterStringRule adds a custom tag for string fields. check returns nil
// when the value is acceptable. Call from init only.
func RegisterStringRule(tag string, check func(string) error) {
	err := validate.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
		if fl.Field().Kind() != reflect.String {
			return false
		}
		return check(fl.Field().String()) == nil
	})
	if err != nil {
		panic(fmt.Errorf("register validation %q: %w", tag, err))
	}
}

// Validate runs struct-level validation using go-playground/validator tags.
func Validate(s any) error {
	return validate.Struct(s)
}

// FormatValidationErrors converts validator.ValidationErrors into detail entries.
// Any other error yields nil.
func FormatValidationErrors(err error) []FieldError {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return nil
	}
	out := make([]FieldError, 0, len(ve))
	for _, e := range ve {
		out = append(out, FieldError{
			Loc:  bodyLoc(e.Field()),
			Msg:  formatFieldError(e),
			Type: errorType(e.Tag()),
		})
	}
	return out
}

func formatFieldError(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "Field required"
	case "notblank":
		return "Must not be blank"
	case "min":
		return fmt.Sprintf("Minimum length is %s", e.Param())
	case "max":
		return fmt.Sprintf("Maximum length is %s", e.Param())
	case "gt":
		return fmt.Sprintf("Must be greater than %s", e.Param())
	case "gte":
		return fmt.Sprintf("Must be greater than or equal to %s", e.Param())
	case "lte":
		return fmt.Sprintf("Must be less than or equal to %s", e.Param())
	case "iso8601":
		return "Must be a valid ISO-8601 date-time"
	default:
		return fmt.Sprintf("Validation failed on '%s'", e.Tag())
	}
}

func errorType(tag string) string {
	switch tag {
	case "required":
		return "missing"
	case "notblank", "min":
		return "string_too_short"
	case "max":
		return "string_too_long"
	case "gt":
		return "greater_than"
	case "gte":
		return "greater_than_equal"
	case "lte":
		return "less_than_equal"
	case "iso8601":
		return "datetime_parsing"
	default:
		return "value_error"
	}
}

// FormatDecodeError converts a json decoding failure into a detail entry.
func FormatDecodeError(err error) FieldError {
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
		maxErr    *http.MaxBytesError
	)
	switch {
	case errors.Is(err, io.EOF):
		return FieldError{Loc: []string{"body"}, Msg: "Request body is required", Type: "missing"}
	case errors.As(err, &maxErr):
		return FieldError{Loc: []string{"body"}, Msg: fmt.Sprintf("Request body exceeds %d bytes", maxErr.Limit), Type: "too_large"}
	case errors.As(err, &syntaxErr):
		return FieldError{Loc: []string{"body"}, Msg: fmt.Sprintf("Invalid JSON at offset %d", syntaxErr.Offset), Type: "json_invalid"}
	case errors.Is(err, io.ErrUnexpectedEOF):
		return FieldError{Loc: []string{"body"}, Msg: "Invalid JSON: unexpected end of input", Type: "json_invalid"}
	case errors.As(err, &typeErr):
		if typeErr.Field == "" {
			return FieldError{Loc: []string{"body"}, Msg: "Input should be a JSON object", Type: "model_type"}
		}
		return FieldError{Loc: bodyLoc(typeErr.Field), Msg: fmt.Sprintf("Input should be of type %s", typeErr.Type), Type: "type_error"}
	default:
		return FieldError{Loc: []string{"body"}, Msg: err.Error(), Type: "value_error"}
	}
}

func bodyLoc(field string) []string {
	return append([]string{"body"}, strings.Split(field, ".")...)
}

// WriteInvalid writes the unified 400 response.
func WriteInvalid(w http.ResponseWriter, message string, detail []FieldError) {
	httpx.JSON(w, http.StatusBadRequest, ErrorResponse{Detail: detail, Message: message})
}

// DecodeAndValidate decodes the JSON body into T (numbers inside interface
// values become json.Number) and validates it. On failure the detail list is
// non-empty and the returned pointer is nil.
func DecodeAndValidate[T any](r *http.Request) (*T, []FieldError) {
	var req T
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return nil, []FieldError{FormatDecodeError(err)}
	}
	// A stray closing delimiter does not show up in dec.More, so read once more.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, []FieldError{{Loc: []string{"body"}, Msg: "Unexpected data after JSON object", Type: "json_invalid"}}
	}
	if err := Validate(&req); err != nil {
		if detail := FormatValidationErrors(err); len(detail) > 0 {
			return nil, detail
		}
		return nil, []FieldError{{Loc: []string{"body"}, Msg: err.Error(), Type: "value_error"}}
	}
	return &req, nil
}

// ValidateRequest decodes and validates the body into T, writing the unified
// 400 response with message on failure.
// Returns (parsedStruct, true) on success or (nil, false) on failure.
func ValidateRequest[T any](w http.ResponseWriter, r *http.Request, message string) (*T, bool) {
	req, detail := DecodeAndValidate[T](r)
	if detail != nil {
		WriteInvalid(w, message, detail)
		return nil, false
	}
	return req, true
}
