package telemetry

import (
	"context"
	"testing"
)

func TestDisabledProviderFallsBackToGlobalMeter(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false, Environment: " Staging "})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if p.Enabled() {
		t.Fatalf("expected disabled provider")
	}
	if p.Meter("test") == nil {
		t.Fatalf("expected non-nil meter")
	}
	if Environment() != "staging" {
		t.Fatalf("expected normalised environment, got %q", Environment())
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestStripScheme(t *testing.T) {
	cases := map[string]string{
		"http://collector:4318":  "collector:4318",
		"https://collector:4318": "collector:4318",
		"collector:4318":         "collector:4318",
	}
	for in, want := range cases {
		if got := stripScheme(in); got != want {
			t.Fatalf("stripScheme(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAttributeHelpers(t *testing.T) {
	attrs := SinkAttributes("prod", "postgres", "")
	if len(attrs) != 2 {
		t.Fatalf("expected result attribute to be omitted, got %d attrs", len(attrs))
	}
	attrs = SinkAttributes("prod", "postgres", ResultError)
	if attrs[2].Value.AsString() != ResultError {
		t.Fatalf("unexpected result attribute %v", attrs[2])
	}
	if got := SessionAttributes("prod", "s#0")[1].Value.AsString(); got != "s#0" {
		t.Fatalf("unexpected session attribute %q", got)
	}
}
