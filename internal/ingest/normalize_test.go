package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeHeaders(t *testing.T) {
	tests := []struct {
		name string
		raw  []string
		want []string
	}{
		{
			name: "simple lowercase",
			raw:  []string{"Name", "AGE", "city"},
			want: []string{"name", "age", "city"},
		},
		{
			name: "non alphanumeric runs collapse",
			raw:  []string{"First Name", "e-mail  address", "total ($)"},
			want: []string{"first_name", "e_mail_address", "total"},
		},
		{
			name: "empty cells become positional",
			raw:  []string{"", "name", "  "},
			want: []string{"column_1", "name", "column_3"},
		},
		{
			name: "duplicates get ordered suffixes",
			raw:  []string{"Name", "name", "NAME "},
			want: []string{"name", "name_2", "name_3"},
		},
		{
			name: "generated suffix avoids explicit column",
			raw:  []string{"a", "a", "a_2"},
			want: []string{"a", "a_2", "a_2_2"},
		},
		{
			name: "leading and trailing symbols trimmed",
			raw:  []string{"  %discount% ", "__id__"},
			want: []string{"discount", "id"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeHeaders(tt.raw))
		})
	}
}
