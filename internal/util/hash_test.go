package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHash(t *testing.T) {
	tests := []struct {
		name string
		vals []interface{}
		want string
	}{
		{
			name: "Empty input",
			vals: []interface{}{},
			want: "ef46db3751d8e999",
		},
		{
			name: "Single value",
			vals: []interface{}{"hello"},
			want: "26c7827d889f6da3",
		},
		{
			name: "Multiple values",
			vals: []interface{}{"hello", 42, true},
			want: "d481b75d0fa4abff",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Hash(tt.vals...)
			if got != tt.want {
				t.Errorf("Hash() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHashValue(t *testing.T) {
	a := map[string]any{"a": 1, "b": []any{"x", 2.0}}
	b := map[string]any{"b": []any{"x", int64(2)}, "a": 1.0}
	assert.Equal(t, HashValue(a), HashValue(b))
	assert.NotEqual(t, HashValue([]any{1, 2}), HashValue([]any{2, 1}))
	assert.NotEqual(t, HashValue("1"), HashValue(1))
	assert.NotEqual(t, HashValue(nil), HashValue(false))
	assert.Equal(t, HashValue([]string{"a"}), HashValue([]any{"a"}))
}
