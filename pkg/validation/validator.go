package validation

import (
	"errors"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// vehicleTypes mirrors the vehicle classes the engine understands
var vehicleTypes = map[string]bool{"KEKE": true, "CAR": true, "BUS": true}

// Get returns the shared validator with custom tags registered
func Get() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("vehicle_type", func(fl validator.FieldLevel) bool {
			return vehicleTypes[fl.Field().String()]
		})
	})
	return validate
}

// ValidateStruct validates s and returns a *ValidationError with field messages
func ValidateStruct(s interface{}) error {
	err := Get().Struct(s)
	if err == nil {
		return nil
	}

	var errs validator.ValidationErrors
	if errors.As(err, &errs) {
		return NewValidationError(errs)
	}
	return err
}
