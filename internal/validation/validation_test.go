package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepath/clinsafe/internal/apperror"
)

type line struct {
	Name string `json:"name" validate:"required"`
}

type request struct {
	Owner string `json:"owner" validate:"required"`
	Kind  string `json:"kind,omitempty" validate:"omitempty,oneof=a b"`
	Lines []line `json:"lines" validate:"required,min=1,dive"`
}

func TestStruct(t *testing.T) {
	tests := []struct {
		name    string
		in      request
		field   string
		message string
	}{
		{name: "ok", in: request{Owner: "o", Lines: []line{{Name: "x"}}}},
		{name: "missing_owner", in: request{Lines: []line{{Name: "x"}}}, field: "owner", message: "is required"},
		{name: "bad_enum", in: request{Owner: "o", Kind: "c", Lines: []line{{Name: "x"}}}, field: "kind", message: "must be one of: a b"},
		{name: "empty_lines", in: request{Owner: "o", Lines: []line{}}, field: "lines", message: "must contain at least 1 item(s)"},
		{name: "nested", in: request{Owner: "o", Lines: []line{{Name: "x"}, {}}}, field: "lines[1].name", message: "is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Struct(tt.in)
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var ve *apperror.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.Equal(t, tt.message, ve.Message)
		})
	}
}
