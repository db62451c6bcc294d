package app

import (
	"testing"

	"github.com/acme/outbound-dialer/internal/config"
)

func TestNewProviderSelectsVendor(t *testing.T) {
	cases := []struct {
		cfg  config.ProviderConfig
		want string
	}{
		{cfg: config.ProviderConfig{}, want: "mock"},
		{cfg: config.ProviderConfig{Name: "mock"}, want: "mock"},
		{cfg: config.ProviderConfig{Name: "rest", REST: config.RESTConfig{BaseURL: "http://vendor.local"}}, want: "rest"},
		{cfg: config.ProviderConfig{Name: "twilio", Twilio: config.TwilioConfig{AccountSID: "AC1", AuthToken: "tok"}}, want: "twilio"},
	}
	for _, tc := range cases {
		p, err := NewProvider(tc.cfg)
		if err != nil {
			t.Fatalf("NewProvider(%q): %v", tc.cfg.Name, err)
		}
		if p.Name() != tc.want {
			t.Fatalf("NewProvider(%q) = %s, want %s", tc.cfg.Name, p.Name(), tc.want)
		}
	}
}

func TestNewProviderRejectsIncompleteConfig(t *testing.T) {
	for _, cfg := range []config.ProviderConfig{
		{Name: "rest"},
		{Name: "twilio", Twilio: config.TwilioConfig{AccountSID: "AC1"}},
		{Name: "carrier-pigeon"},
	} {
		if _, err := NewProvider(cfg); err == nil {
			t.Fatalf("expected error for %+v", cfg)
		}
	}
}
