package config

import "github.com/go-playground/validator/v10"

// validate is shared; building a validator is expensive.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("memsize", func(fl validator.FieldLevel) bool {
		_, err := ParseMemory(fl.Field().String())
		return err == nil
	})
	return v
}
