package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		code int
		want StatusCategory
	}{
		{180, CategoryProvisional},
		{200, CategorySuccess},
		{302, CategoryRedirect},
		{401, CategoryAuthRequired},
		{403, CategoryClientError},
		{404, CategoryNotFound},
		{407, CategoryAuthRequired},
		{408, CategoryTimeout},
		{480, CategoryTimeout},
		{486, CategoryBusy},
		{488, CategoryClientError},
		{500, CategoryServerError},
		{503, CategoryServerError},
		{504, CategoryTimeout},
		{600, CategoryBusy},
		{603, CategoryBusy},
		{604, CategoryGlobalFailure},
	}

	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, Categorize(tt.code), "code %d", tt.code)
		})
	}
}
