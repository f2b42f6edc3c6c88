package meta

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"udpot/internal/log"
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	if err := validate.RegisterValidation("hostport", validateHostPort); err != nil {
		panic(err)
	}
	if err := validate.RegisterValidation("log_level", validateLogLevel); err != nil {
		panic(err)
	}

	// Report fields by their configuration key rather than their Go name
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// validateHostPort accepts host:port addresses with an optional host and a numeric port.
func validateHostPort(fl validator.FieldLevel) bool {
	_, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil {
		return false
	}

	n, err := strconv.Atoi(port)
	return err == nil && n >= 0 && n <= 65535
}

func validateLogLevel(fl validator.FieldLevel) bool {
	_, ok := log.ParseLevel(fl.Field().String())
	return ok
}

// validationMessage returns a human-readable message for a validation error.
func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "field is required"
	case "min":
		return fmt.Sprintf("must have at least %s element(s)", e.Param())
	case "gt":
		return fmt.Sprintf("must be > %s", e.Param())
	case "gte":
		return fmt.Sprintf("must be >= %s", e.Param())
	case "lte":
		return fmt.Sprintf("must be <= %s", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "hostport":
		return "must be in format 'host:port'"
	case "log_level":
		return "must be one of: error warn info debug"
	default:
		return fmt.Sprintf("validation failed: %s", e.Tag())
	}
}

// validationError flattens validator errors into a single config error naming every offending
// key.
func validationError(err error) error {
	var validatorErrs validator.ValidationErrors
	if !errors.As(err, &validatorErrs) {
		return fmt.Errorf("config: validation failed: err=%w", err)
	}

	var problems []string
	for _, e := range validatorErrs {
		// Drop the root struct name from the namespace
		key := e.Namespace()
		if idx := strings.Index(key, "."); idx >= 0 {
			key = key[idx+1:]
		}

		problems = append(problems, fmt.Sprintf("%s: %s", key, validationMessage(e)))
	}

	return fmt.Errorf("config: invalid configuration: %s", strings.Join(problems, "; "))
}
