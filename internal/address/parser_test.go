package address

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestCommaParser(t *testing.T) {
	tests := []struct {
		raw     string
		want    Parts
		wantErr error
	}{
		{raw: "Main St 1", wantErr: ErrUnparseable},
		{raw: "  ", wantErr: ErrUnparseable},
		{raw: "Main St 1, Springfield", want: Parts{Street: "Main St 1", City: "Springfield"}},
		{raw: "Main St 1, Springfield, Oregon", want: Parts{Street: "Main St 1", City: "Springfield", Region: "Oregon"}},
		{
			raw:  "Apt 4, Main St 1; Downtown, Springfield, Oregon",
			want: Parts{Street: "Apt 4, Main St 1", District: "Downtown", City: "Springfield", Region: "Oregon"},
		},
		{raw: "Main St 1,,\nSpringfield", want: Parts{Street: "Main St 1", City: "Springfield"}},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := CommaParser{}.Parse(tt.raw)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
