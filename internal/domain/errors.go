package domain

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ErrInternal marks an unexpected failure while mutating state or running
// detectors. Callers must not expose the wrapped detail to clients.
var ErrInternal = errors.New("internal error")

// ValidationError is returned when an event is rejected before any state is
// touched. Missing lists absent required fields; Reason carries any other
// rule that failed.
type ValidationError struct {
	Missing []string
	Reason  string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required fields: "+strings.Join(e.Missing, ", "))
	}
	if e.Reason != "" {
		parts = append(parts, e.Reason)
	}
	if len(parts) == 0 {
		return "invalid event"
	}
	return strings.Join(parts, "; ")
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func eventValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks required fields, the latitude/longitude pairing and
// coordinate ranges. ipAddress is not format-checked. It returns a
// *ValidationError or nil.
func (e *Event) Validate() error {
	var missing []string
	if strings.TrimSpace(e.APIKey) == "" {
		missing = append(missing, "apiKey")
	}
	if strings.TrimSpace(e.SessionID) == "" {
		missing = append(missing, "sessionId")
	}
	if len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}

	if (e.Latitude == nil) != (e.Longitude == nil) {
		return &ValidationError{Reason: "latitude and longitude must be provided together"}
	}

	if err := eventValidator().Struct(e); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return &ValidationError{Reason: fieldErrs[0].Field() + " is out of range"}
		}
		return &ValidationError{Reason: err.Error()}
	}
	return nil
}
