package types

import (
	"encoding/json"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"P30D", 30 * 24 * time.Hour},
		{"PT12H", 12 * time.Hour},
		{"P1DT2H3M4S", 26*time.Hour + 3*time.Minute + 4*time.Second},
		{"PT0.5S", 500 * time.Millisecond},
		{"p2d", 48 * time.Hour},
		{"P106751DT23H", 106751*24*time.Hour + 23*time.Hour},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if err != nil {
			t.Errorf("ParseDuration(%q): %v", tt.in, err)
			continue
		}
		if got.Std() != tt.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", tt.in, got.Std(), tt.want)
		}
	}
}

func TestParseDurationRejects(t *testing.T) {
	for _, in := range []string{"", "P", "PT", "P1DT", "30D", "P1Y", "P2M", "1h",
		"P300000D", "PT2562048H", "P106751DT24H", "PT9999999999999S", "P99999999999999999999D"} {
		if _, err := ParseDuration(in); err == nil {
			t.Errorf("ParseDuration(%q) succeeded, want error", in)
		}
	}
}

func TestDurationString(t *testing.T) {
	tests := map[time.Duration]string{
		30 * 24 * time.Hour:                 "P30D",
		12 * time.Hour:                      "PT12H",
		26*time.Hour + 30*time.Minute:       "P1DT2H30M",
		90 * time.Second:                    "PT1M30S",
		0:                                   "PT0S",
		24*time.Hour + 500*time.Millisecond: "P1DT0.5S",
	}
	for in, want := range tests {
		if got := Duration(in).String(); got != want {
			t.Errorf("Duration(%v).String() = %q, want %q", in, got, want)
		}
	}
}

func TestRenewalPolicyJSON(t *testing.T) {
	var p RenewalPolicy
	if err := json.Unmarshal([]byte(`{"mode":"AUTOMATIC","certificate_lifetime":"P30D"}`), &p); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if p.Mode != RenewalModeAutomatic || p.CertificateLifetime.Std() != 30*24*time.Hour {
		t.Errorf("unexpected policy %+v", p)
	}

	out, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(out) != `{"mode":"AUTOMATIC","certificate_lifetime":"P30D"}` {
		t.Errorf("Marshal = %s", out)
	}
}

func TestDurationYAML(t *testing.T) {
	var v struct {
		Lifetime Duration `yaml:"lifetime"`
	}
	if err := yaml.Unmarshal([]byte("lifetime: PT36H\n"), &v); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if v.Lifetime.Std() != 36*time.Hour {
		t.Errorf("Lifetime = %v", v.Lifetime.Std())
	}
}
