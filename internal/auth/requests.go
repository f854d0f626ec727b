package auth

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/fmtmentor/server/internal/apperr"
	"github.com/go-playground/validator/v10"
)

var (
	phonePattern = regexp.MustCompile(`^\+?[0-9]{10,15}$`)
	otpPattern   = regexp.MustCompile(`^[0-9]{6}$`)
)

// maxPasswordBytes is the longest input bcrypt accepts
const maxPasswordBytes = 72

// SignUpRequest is shared by the first and last signup steps
type SignUpRequest struct {
	FirstName   string `json:"firstName" validate:"required,min=2,max=100"`
	LastName    string `json:"lastName" validate:"required,min=2,max=100"`
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,min=8,pwbytes,password"`
	PhoneNumber string `json:"phoneNumber" validate:"omitempty,phone"`
}

// OtpRequest carries an identifier's email and the code to check
type OtpRequest struct {
	Email string `json:"email" validate:"required,email"`
	Otp   string `json:"otp" validate:"required,otp"`
}

// MobileOtpRequest asks for a code on the phone of a verified email
type MobileOtpRequest struct {
	Email       string `json:"email" validate:"required,email"`
	PhoneNumber string `json:"phoneNumber" validate:"required,phone"`
}

// LoginRequest is the first login step
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Validator turns struct tag violations into field-level ValidationFailed errors
type Validator struct {
	v *validator.Validate
}

// NewValidator registers the password, phone and otp rules
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		return phonePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("otp", func(fl validator.FieldLevel) bool {
		return otpPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("pwbytes", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= maxPasswordBytes
	})
	_ = v.RegisterValidation("password", func(fl validator.FieldLevel) bool {
		return strongPassword(fl.Field().String())
	})
	return &Validator{v: v}
}

// Struct validates s, returning nil or an *apperr.Error of kind ValidationFailed
func (val *Validator) Struct(s any) error {
	err := val.v.Struct(s)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return apperr.Wrap(apperr.ValidationFailed, "Validation failed. Please check your input.", err)
	}
	fields := make(map[string]string, len(ve))
	for _, fe := range ve {
		fields[fe.Field()] = fieldMessage(fe)
	}
	return apperr.Validation(fields)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "email":
		return "Invalid email format"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "phone":
		return "Invalid phone number"
	case "otp":
		return "OTP must be 6 digits"
	case "pwbytes":
		return fmt.Sprintf("%s must be at most %d bytes", fe.Field(), maxPasswordBytes)
	case "password":
		return "Password must contain: 1 digit, 1 lowercase, 1 uppercase, 1 special character, no spaces"
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

// strongPassword requires a digit, a lower and an upper case letter, one of @#$%^&+=! and no whitespace
func strongPassword(p string) bool {
	var digit, lower, upper, special bool
	for _, r := range p {
		switch {
		case r == ' ', r == '\t', r == '\n', r == '\r':
			return false
		case r >= '0' && r <= '9':
			digit = true
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= 'A' && r <= 'Z':
			upper = true
		case strings.ContainsRune("@#$%^&+=!", r):
			special = true
		}
	}
	return digit && lower && upper && special
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
