package safety

import "github.com/carepath/clinsafe/internal/validation"

// ValidateDraft checks the draft for missing required fields and
// non-positive doses.
func ValidateDraft(d Draft) error {
	return validation.Struct(d)
}
