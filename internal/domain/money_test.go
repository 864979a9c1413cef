package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestCheckPrice(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"whole", "100", false},
		{"two decimal places", "148.50", false},
		{"four decimal places", "0.0001", false},
		{"trailing zeros", "1.100000", false},
		{"five decimal places", "1.00001", true},
		{"zero", "0", true},
		{"negative", "-50.25", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckPrice(decimal.RequireFromString(tt.input))
			if tt.wantErr != (err != nil) {
				t.Errorf("CheckPrice(%s) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestNotional(t *testing.T) {
	got := Notional(decimal.RequireFromString("148.25"), 40)
	if !got.Equal(decimal.NewFromInt(5930)) {
		t.Errorf("Notional = %s, want 5930", got)
	}
}
