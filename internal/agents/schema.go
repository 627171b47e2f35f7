package agents

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is a singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()

	// Non-empty after trimming whitespace.
	_ = validate.RegisterValidation("nonempty", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
}

// planReply is the JSON the planner must return.
type planReply struct {
	Summary string   `json:"summary" validate:"required,nonempty"`
	Steps   []string `json:"steps" validate:"required,min=1,dive,nonempty"`
	Plan    string   `json:"plan" validate:"required,nonempty"`
}

// fileChange is one file operation reported by the coder.
type fileChange struct {
	Path    string `json:"path" validate:"required,nonempty"`
	Type    string `json:"type" validate:"required,oneof=create edit delete"`
	Summary string `json:"summary"`
	// Content is the full new file content for create and edit.
	Content string `json:"content"`
}

// codeReply is the JSON the coder must return.
type codeReply struct {
	Summary string       `json:"summary" validate:"required,nonempty"`
	Changes []fileChange `json:"changes" validate:"dive"`
}

// reviewReply is the JSON the reviewer must return.
type reviewReply struct {
	Status      string   `json:"status" validate:"required,oneof=passed failed needs_revision"`
	CriteriaMet bool     `json:"criteria_met"`
	Feedback    string   `json:"feedback"`
	Issues      []string `json:"issues"`
}

// validateStruct validates s and flattens field errors into one error.
func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, formatValidationError(fe))
	}
	return fmt.Errorf("invalid %s", strings.Join(msgs, "; "))
}

func formatValidationError(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", err.Namespace())
	case "nonempty":
		return fmt.Sprintf("%s cannot be empty", err.Namespace())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", err.Namespace(), err.Param(), err.Value())
	case "min":
		return fmt.Sprintf("%s must be at least %s", err.Namespace(), err.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", err.Namespace(), err.Param())
	}
	return fmt.Sprintf("%s failed %s validation", err.Namespace(), err.Tag())
}
