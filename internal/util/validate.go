package util

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/oszuidwest/zwfm-audiowatch/internal/types"
)

var (
	validatorOnce sync.Once
	validate      *validator.Validate
)

// Validator returns the shared struct validator. Field names in its errors
// are the JSON tag names.
func Validator() *validator.Validate {
	validatorOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// ToValidationError converts validator errors to the shared field error format.
// Field paths omit the name of the root struct.
func ToValidationError(err error) *types.ValidationError {
	verr := types.NewValidationError()

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		verr.Add("", err.Error(), nil)
		return verr
	}
	for _, e := range fieldErrs {
		_, field, found := strings.Cut(e.Namespace(), ".")
		if !found {
			field = e.Namespace()
		}
		verr.Add(field, validationMessage(e), e.Value())
	}
	return verr
}

// validationMessages holds the message for each tag used on settings and
// command requests. %s is the tag parameter.
var validationMessages = map[string]string{
	"required":    "is required",
	"required_if": "is required",
	"min":         "must be at least %s",
	"max":         "must be at most %s",
	"gte":         "must be greater than or equal to %s",
	"lte":         "must be less than or equal to %s",
	"gtefield":    "must not be less than %s",
	"url":         "must be a valid URL",
	"oneof":       "must be one of: %s",
	"hostname|ip": "must be a hostname or IP address",
}

// validationMessage returns a readable message for a validator error.
func validationMessage(e validator.FieldError) string {
	msg, ok := validationMessages[e.Tag()]
	if !ok {
		return fmt.Sprintf("failed validation '%s'", e.Tag())
	}
	if strings.Contains(msg, "%s") {
		return fmt.Sprintf(msg, e.Param())
	}
	return msg
}

// ValidatePath rejects an empty path and any path with a ".." element.
func ValidatePath(field, path string) error {
	if path == "" {
		return fmt.Errorf("%s: is required", field)
	}
	if slices.Contains(strings.FieldsFunc(filepath.ToSlash(path), func(r rune) bool { return r == '/' }), "..") {
		return fmt.Errorf("%s: path cannot contain '..'", field)
	}
	return nil
}

// CheckPathWritable creates dir when missing and verifies that a file can be
// written to it and removed again.
func CheckPathWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return WrapError("create directory", err)
	}
	f, err := os.CreateTemp(dir, ".audiowatch-write-*")
	if err != nil {
		return WrapError("create test file", err)
	}
	_, werr := f.Write(make([]byte, 1024))
	cerr := f.Close()
	rerr := os.Remove(f.Name())
	if err := errors.Join(werr, cerr, rerr); err != nil {
		return WrapError("write test file", err)
	}
	return nil
}
