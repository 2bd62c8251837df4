package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/transfa/membership-service/internal/domain"
)

var validate = validator.New()

// validateEvent checks the struct tags on a confirmation event and reports the
// offending fields by their JSON-ish names.
func validateEvent(event domain.ConfirmationEvent) error {
	err := validate.Struct(event)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return domain.NewError(domain.ErrValidation, "reconcile.validate", err)
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return domain.Validationf("reconcile.validate", "invalid confirmation event: %s", strings.Join(parts, ", "))
}
