package bus

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/LerianStudio/lib-dispatch/dispatch"
	"github.com/go-playground/validator/v10"
)

// Validator checks one aspect of a request before its handler runs. Return a
// *dispatch.ValidationError to report violations; any other error is treated
// as an infrastructure failure and propagated as-is.
type Validator func(ctx context.Context, req Request) error

// ValidatorSet holds validators keyed by request name.
type ValidatorSet struct {
	mu         sync.RWMutex
	validators map[string][]Validator
}

// NewValidatorSet creates an empty validator set.
func NewValidatorSet() *ValidatorSet {
	return &ValidatorSet{
		validators: make(map[string][]Validator),
	}
}

// Register appends validators for a request name. Multiple calls accumulate.
func (set *ValidatorSet) Register(name string, validators ...Validator) error {
	if name == "" {
		return ErrRequestNameRequired
	}

	for _, v := range validators {
		if v == nil {
			return fmt.Errorf("%w: %s", ErrValidatorRequired, name)
		}
	}

	set.mu.Lock()
	defer set.mu.Unlock()

	set.validators[name] = append(set.validators[name], validators...)

	return nil
}

func (set *ValidatorSet) forRequest(name string) []Validator {
	set.mu.RLock()
	defer set.mu.RUnlock()

	return set.validators[name]
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validation runs the registered validators for each request, then validates
// struct bodies against their validate tags. All violations are collected
// before short-circuiting, so callers see every problem at once. A nil set
// still applies struct-tag validation.
func Validation(set *ValidatorSet) Behavior {
	return func(next Handler) Handler {
		return func(ctx context.Context, req Request) (any, error) {
			var violations []dispatch.FieldViolation

			if set != nil {
				for _, validate := range set.forRequest(req.Name) {
					err := validate(ctx, req)
					if err == nil {
						continue
					}

					var validationErr *dispatch.ValidationError
					if errors.As(err, &validationErr) {
						violations = append(violations, validationErr.Violations...)

						continue
					}

					return nil, err
				}
			}

			violations = append(violations, validateStructBody(ctx, req.Body)...)

			if len(violations) > 0 {
				return nil, dispatch.NewValidationError(violations...)
			}

			return next(ctx, req)
		}
	}
}

// validateStructBody applies validate tags when the body is a struct or a
// pointer to one. Non-struct bodies, raw JSON included, are skipped.
func validateStructBody(ctx context.Context, body any) []dispatch.FieldViolation {
	if body == nil {
		return nil
	}

	value := reflect.ValueOf(body)
	for value.Kind() == reflect.Pointer {
		if value.IsNil() {
			return nil
		}

		value = value.Elem()
	}

	if value.Kind() != reflect.Struct {
		return nil
	}

	err := structValidator.StructCtx(ctx, body)
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return []dispatch.FieldViolation{{Field: "body", Rule: "struct", Message: err.Error()}}
	}

	violations := make([]dispatch.FieldViolation, 0, len(fieldErrors))
	for _, fieldErr := range fieldErrors {
		violations = append(violations, dispatch.FieldViolation{
			Field:   fieldErr.Field(),
			Rule:    fieldErr.Tag(),
			Message: fmt.Sprintf("failed on the %q rule", fieldErr.Tag()),
		})
	}

	return violations
}
