package utils

import (
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/zentra/beacon/internal/models"
)

var (
	validate       *validator.Validate
	eventCodeRegex = regexp.MustCompile(`^[a-z0-9_.-]+$`)
)

func init() {
	validate = validator.New()

	// Event codes are stable identifiers used by producers
	validate.RegisterValidation("eventcode", func(fl validator.FieldLevel) bool {
		code := fl.Field().String()
		if len(code) < 1 || len(code) > 100 {
			return false
		}
		return eventCodeRegex.MatchString(code)
	})

	validate.RegisterValidation("targetmode", func(fl validator.FieldLevel) bool {
		return models.TargetMode(fl.Field().String()).Valid()
	})

	validate.RegisterValidation("repeatpolicy", func(fl validator.FieldLevel) bool {
		return models.RepeatPolicy(fl.Field().String()).Valid()
	})

	validate.RegisterValidation("displaymode", func(fl validator.FieldLevel) bool {
		switch models.DisplayMode(fl.Field().String()) {
		case models.DisplaySimple, models.DisplayToast, models.DisplayBanner, models.DisplayModal:
			return true
		}
		return false
	})
}

// Validate validates a struct using the validator
func Validate(s any) error {
	return validate.Struct(s)
}

// FormatValidationErrors formats validation errors for API response
func FormatValidationErrors(err error) map[string]string {
	errors := make(map[string]string)

	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		for _, e := range validationErrors {
			field := strings.ToLower(e.Field())
			switch e.Tag() {
			case "required":
				errors[field] = "This field is required"
			case "min":
				errors[field] = "Value is too short"
			case "max":
				errors[field] = "Value is too long"
			case "eventcode":
				errors[field] = "Event code must be 1-100 characters of lowercase letters, numbers, underscores, dots, or hyphens"
			case "targetmode":
				errors[field] = "Unknown target mode"
			case "repeatpolicy":
				errors[field] = "Unknown repeat policy"
			case "displaymode":
				errors[field] = "Display mode must be simple, toast, banner, or modal"
			default:
				errors[field] = "Invalid value"
			}
		}
	}

	return errors
}

// SanitizeString removes null bytes and surrounding whitespace
func SanitizeString(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	return strings.TrimSpace(s)
}
