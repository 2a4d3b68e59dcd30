package domain

import (
	"errors"
	"testing"
	"time"
)

func TestParseTimeframe(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Timeframe
		wantErr bool
	}{
		{name: "two hours", raw: "2h", want: Timeframe2h},
		{name: "six hours", raw: "6h", want: Timeframe6h},
		{name: "one day", raw: "1d", want: Timeframe1d},
		{name: "unknown value", raw: "3h", wantErr: true},
		{name: "empty value", raw: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimeframe(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownTimeframe) {
					t.Fatalf("ParseTimeframe(%q) err = %v, want ErrUnknownTimeframe", tt.raw, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTimeframe(%q) err = %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("ParseTimeframe(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestTimeframeDuration(t *testing.T) {
	tests := []struct {
		name string
		tf   Timeframe
		want time.Duration
	}{
		{name: "two hours", tf: Timeframe2h, want: 2 * time.Hour},
		{name: "six hours", tf: Timeframe6h, want: 6 * time.Hour},
		{name: "one day", tf: Timeframe1d, want: 24 * time.Hour},
		{name: "unknown falls back to two hours", tf: Timeframe("45m"), want: 2 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tf.Duration(); got != tt.want {
				t.Fatalf("Duration(%v) = %v, want %v", tt.tf, got, tt.want)
			}
		})
	}
}

func TestWindowsOrdered(t *testing.T) {
	windows := Windows()
	if len(windows) != 6 {
		t.Fatalf("Windows() returned %d windows, want 6", len(windows))
	}
	for i := 1; i < len(windows); i++ {
		if windows[i-1].Duration() >= windows[i].Duration() {
			t.Fatalf("Windows() must grow: %v >= %v", windows[i-1], windows[i])
		}
	}
}
