package attribution

import (
	"testing"

	"github.com/onnwee/autocash/internal/money"
)

func TestEPC(t *testing.T) {
	tests := []struct {
		name    string
		revenue money.Cents
		clicks  int64
		want    float64
	}{
		{"zero clicks", 25000, 0, 0},
		{"zero clicks zero revenue", 0, 0, 0},
		{"even split", 25000, 100, 2.5},
		{"rounded", 1000, 3, 3.33},
		{"no revenue", 0, 10, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EPC(tt.revenue, tt.clicks); got != tt.want {
				t.Errorf("EPC(%s, %d) = %v, want %v", tt.revenue, tt.clicks, got, tt.want)
			}
		})
	}
}

func TestConversionRate(t *testing.T) {
	tests := []struct {
		conversions, clicks int64
		want                float64
	}{
		{5, 100, 5.0},
		{7, 0, 0},
		{1, 3, 33.33},
		{2, 3, 66.67},
		{0, 50, 0},
	}
	for _, tt := range tests {
		if got := ConversionRate(tt.conversions, tt.clicks); got != tt.want {
			t.Errorf("ConversionRate(%d, %d) = %v, want %v", tt.conversions, tt.clicks, got, tt.want)
		}
	}
}

func TestCTR(t *testing.T) {
	tests := []struct {
		clicks, views int64
		want          float64
	}{
		{10, 200, 5.0},
		{10, 0, 0},
		{1, 8, 12.5},
	}
	for _, tt := range tests {
		if got := CTR(tt.clicks, tt.views); got != tt.want {
			t.Errorf("CTR(%d, %d) = %v, want %v", tt.clicks, tt.views, got, tt.want)
		}
	}
}
