package validation

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	validate *validator.Validate

	// ErrUnsafePath is returned for replicated paths that escape the shared directory.
	ErrUnsafePath = errors.New("unsafe path")
)

// MaxPathLength bounds replicated relative paths.
const MaxPathLength = 4096

func init() {
	validate = validator.New()
}

// ValidateStruct checks v against its `validate` struct tags.
func ValidateStruct(v any) error {
	if v == nil {
		return errors.New("value cannot be nil")
	}
	if err := validate.Struct(v); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// ValidateRelativePath rejects paths a peer must never be allowed to write:
// empty, absolute, over-long, or escaping the root through "..".
func ValidateRelativePath(p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty path", ErrUnsafePath)
	}
	if len(p) > MaxPathLength {
		return fmt.Errorf("%w: path exceeds %d characters", ErrUnsafePath, MaxPathLength)
	}
	if strings.ContainsRune(p, 0) {
		return fmt.Errorf("%w: path contains NUL", ErrUnsafePath)
	}
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
		return fmt.Errorf("%w: %q is absolute", ErrUnsafePath, p)
	}
	clean := filepath.Clean(filepath.FromSlash(p))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %q escapes the root", ErrUnsafePath, p)
	}
	return nil
}

// SafeJoin validates rel and joins it under root.
func SafeJoin(root, rel string) (string, error) {
	if err := ValidateRelativePath(rel); err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.Clean(filepath.FromSlash(rel))), nil
}

// formatValidationError converts validator errors to a more user-friendly format
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	// First failing field only
	for _, e := range validationErrs {
		field := e.Field()
		param := e.Param()

		switch e.Tag() {
		case "required":
			return fmt.Errorf("%s: field is required", field)
		case "min":
			return fmt.Errorf("%s: must be at least %s", field, param)
		case "max":
			return fmt.Errorf("%s: must not exceed %s", field, param)
		case "uuid", "uuid4":
			return fmt.Errorf("%s: must be a UUID", field)
		case "hostname_port":
			return fmt.Errorf("%s: must be host:port", field)
		case "oneof":
			return fmt.Errorf("%s: must be one of [%s]", field, param)
		default:
			return fmt.Errorf("%s: validation failed (%s)", field, e.Tag())
		}
	}

	return err
}
