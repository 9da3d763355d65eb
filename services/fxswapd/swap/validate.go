package swap

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"fxsettle/services/fxswapd/chain"
)

// ErrValidation marks request errors that are reported to the caller and never retried.
var ErrValidation = errors.New("swap: validation failed")

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("swap: invalid %s: %s", e.Field, e.Reason)
}

// Unwrap allows errors.Is(err, ErrValidation).
func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// AddressValidator checks a destination wallet for the target token's chain.
type AddressValidator interface {
	ValidateAddress(token, address string) error
}

// AddressValidatorFunc adapts a function to AddressValidator.
type AddressValidatorFunc func(token, address string) error

// ValidateAddress calls f.
func (f AddressValidatorFunc) ValidateAddress(token, address string) error { return f(token, address) }

// EVMAddresses validates every destination as an EVM address.
var EVMAddresses AddressValidator = AddressValidatorFunc(func(_ string, address string) error {
	return chain.ValidateEVMAddress(address)
})

func newStructValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// checkStruct runs tag validation and converts the first failure into a ValidationError.
func checkStruct(v *validator.Validate, payload any) error {
	err := v.Struct(payload)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return invalid("payload", "%v", err)
	}
	fe := fieldErrs[0]
	// Drop the root type name: "PaymentConfirmation.metadata.user_id" -> "metadata.user_id".
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return invalid(field, "is required")
	case "len":
		return invalid(field, "must be %s characters", fe.Param())
	case "max":
		return invalid(field, "must be at most %s characters", fe.Param())
	case "gt":
		return invalid(field, "must be greater than %s", fe.Param())
	case "oneof":
		return invalid(field, "must be one of %s", fe.Param())
	default:
		return invalid(field, "failed %s validation", fe.Tag())
	}
}
