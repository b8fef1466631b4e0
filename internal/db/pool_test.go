package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "<empty>"},
		{"postgres://grafana:secret@db:5432/plugs", "postgres://grafana:xxxxx@db:5432/plugs"},
		{"postgres://db:5432/plugs", "postgres://db:5432/plugs"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, RedactURL(tt.in))
	}
}
