package security

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
	"github.com/nhalm/tallykit/sanitize"
)

// MaxFileSize is the largest upload ValidateFile accepts.
const MaxFileSize = 5 << 20

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	})
	return v
}

// Validation is the structured result of an input check. Validators never
// return errors or panic; failures are reported through Valid and Message.
type Validation struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}

type rule struct {
	tag     string
	message string
}

func check(value any, rules []rule) Validation {
	for _, r := range rules {
		if err := validate.Var(value, r.tag); err != nil {
			return Validation{Message: r.message}
		}
	}
	return Validation{Valid: true}
}

var emailRules = []rule{
	{"required", "Email is required"},
	{"max=254", "Email is too long"},
	{"email", "Please enter a valid email address"},
}

var passwordRules = []rule{
	{"required", "Password is required"},
	{"min=8", "Password must be at least 8 characters long"},
	{"max=128", "Password must be at most 128 characters long"},
	{"containsany=ABCDEFGHIJKLMNOPQRSTUVWXYZ", "Password must contain an uppercase letter"},
	{"containsany=abcdefghijklmnopqrstuvwxyz", "Password must contain a lowercase letter"},
	{"containsany=0123456789", "Password must contain a number"},
	{"containsany=!@#$%^&*()_+-=[]{};':\"\\/.<>?~`", "Password must contain a special character"},
}

var usernameRules = []rule{
	{"required", "Username is required"},
	{"min=3", "Username must be at least 3 characters long"},
	{"max=20", "Username must be at most 20 characters long"},
	{"username", "Username can only contain letters, numbers and underscores"},
}

// ValidateEmail checks an email address.
func ValidateEmail(email string) Validation {
	return check(email, emailRules)
}

// ValidatePassword checks password strength.
func ValidatePassword(password string) Validation {
	return check(password, passwordRules)
}

// ValidateUsername checks a username.
func ValidateUsername(username string) Validation {
	return check(username, usernameRules)
}

// File describes an uploaded file.
type File struct {
	Name        string `json:"name" validate:"required,max=255"`
	Size        int64  `json:"size" validate:"gt=0,lte=5242880"`
	ContentType string `json:"content_type" validate:"oneof=image/jpeg image/png image/gif image/webp"`
}

// ValidateFile checks an upload's name, size and type.
func ValidateFile(f File) Validation {
	err := validate.Struct(f)
	if err == nil {
		return Validation{Valid: true}
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return Validation{Message: "Invalid file"}
	}
	switch verrs[0].Field() {
	case "Size":
		if verrs[0].Tag() == "gt" {
			return Validation{Message: "File is empty"}
		}
		return Validation{Message: "File size must be less than 5MB"}
	case "ContentType":
		return Validation{Message: "Only JPEG, PNG, GIF and WebP images are allowed"}
	default:
		return Validation{Message: "Invalid file name"}
	}
}

// ValidateUser checks a session user record.
func ValidateUser(u User) error {
	if err := validate.Struct(u); err != nil {
		return fmt.Errorf("invalid user: %w", err)
	}
	return nil
}

// CheckInput rejects value when it contains a script-injection pattern and
// records an xss_attempt event naming field.
func (c *Controller) CheckInput(ctx context.Context, field, value string) error {
	if !sanitize.ContainsXSS(value) {
		return nil
	}
	c.LogEvent(ctx, EventXSSAttempt, map[string]string{"field": field})
	return fmt.Errorf("%s: %w", field, ErrXSSDetected)
}
