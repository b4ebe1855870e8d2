package registration

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Label length bounds.
const (
	MinLabelLength = 3
	MaxLabelLength = 20
)

// AvailabilityChecker reads label availability from the registrar.
// *ens.Registry satisfies it.
type AvailabilityChecker interface {
	Available(ctx context.Context, label string) (bool, error)
}

// ValidateLabel checks the label format and returns the most specific
// ValidationError.
func ValidateLabel(label string) error {
	label = strings.TrimSpace(label)
	switch {
	case label == "":
		return &ValidationError{Message: "ENS name cannot be empty"}
	case len(label) < MinLabelLength:
		return &ValidationError{Message: fmt.Sprintf("ENS name must be at least %d characters long", MinLabelLength)}
	case len(label) > MaxLabelLength:
		return &ValidationError{Message: fmt.Sprintf("ENS name must be no more than %d characters long", MaxLabelLength)}
	case strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-"):
		return &ValidationError{Message: "ENS name cannot start or end with a hyphen"}
	}
	return nil
}

// CheckLabel validates the format and then reads availability. A failed
// read is reported as a ValidationError.
func CheckLabel(ctx context.Context, checker AvailabilityChecker, label string) error {
	if err := ValidateLabel(label); err != nil {
		return err
	}
	ok, err := checker.Available(ctx, strings.TrimSpace(label))
	if err != nil {
		slog.Warn("availability check failed", "label", label, "error", err)
		return &ValidationError{Message: "Failed to check availability"}
	}
	if !ok {
		return &ValidationError{Message: "ENS name is already taken"}
	}
	return nil
}
