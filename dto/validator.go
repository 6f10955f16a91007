package dto

import (
	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterValidation("chat_role", validateChatRole)
}

func GetValidator() *validator.Validate {
	return validate
}

func validateChatRole(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "user", "assistant", "system":
		return true
	}
	return false
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationErrorResponse struct {
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors"`
}

func FormatValidationErrors(err error) []ValidationError {
	var errors []ValidationError

	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		for _, fieldError := range validationErrors {
			var message string

			switch fieldError.Tag() {
			case "required":
				message = fieldError.Field() + " is required"
			case "max":
				message = fieldError.Field() + " must be at most " + fieldError.Param() + " characters"
			case "min":
				message = fieldError.Field() + " must be at least " + fieldError.Param() + " characters"
			case "uuid":
				message = fieldError.Field() + " must be a valid UUID"
			case "oneof":
				message = fieldError.Field() + " must be one of: " + fieldError.Param()
			case "chat_role":
				message = fieldError.Field() + " must be user, assistant or system"
			default:
				message = fieldError.Field() + " is invalid"
			}

			errors = append(errors, ValidationError{
				Field:   fieldError.Field(),
				Message: message,
			})
		}
	}

	return errors
}

func CreateValidationErrorResponse(err error) ValidationErrorResponse {
	return ValidationErrorResponse{
		Code:    400,
		Message: "Validation failed",
		Errors:  FormatValidationErrors(err),
	}
}
