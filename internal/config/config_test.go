package config

import (
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("acme")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Tenant.ID != "acme" {
		t.Fatalf("tenant id %q", cfg.Tenant.ID)
	}
	if got := cfg.Location().String(); got != DefaultTimezone {
		t.Fatalf("location %s", got)
	}
	if cfg.MaxJobAttempts() != 5 {
		t.Fatalf("max attempts %d", cfg.MaxJobAttempts())
	}
}

func TestFromYAMLRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"missing tenant": `journeys: {}`,
		"default not in states": `tenant: {id: a}
journeys:
  visit: {states: [open, done], default: closed}`,
		"duplicate state": `tenant: {id: a}
journeys:
  visit: {states: [open, open]}`,
		"bad policy": `tenant: {id: a}
presence: {outside_policy: maybe}`,
		"bad radius": `tenant: {id: a}
presence:
  geofence: {latitude: -23.5, longitude: -46.6, radius_meters: 0}`,
		"bad timezone": `tenant: {id: a}
presence: {timezone: Mars/Olympus}`,
		"duplicate channel": `tenant: {id: a}
channels:
  - {id: inst-1, secret: s}
  - {id: inst-1, secret: t}`,
		"endpoint without url": `tenant: {id: a}
jobs:
  endpoints:
    OCR_IMAGE: {secret: x}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := FromYAML([]byte(doc)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestFromYAMLFull(t *testing.T) {
	doc := `tenant:
  id: acme
  name: Acme
journeys:
  field_visit:
    states: [scheduled, visited, closed]
    default: scheduled
assignments: [field_visit, sales_order]
channels:
  - id: inst-1
    provider: zapi
    secret: s3cr3t
    default_journey: field_visit
presence:
  timezone: America/Manaus
  geofence: {latitude: -3.1, longitude: -60.0, radius_meters: 150}
  outside_policy: approve
  missing_location_policy: reject
jobs:
  endpoints:
    OCR_IMAGE: {url: "http://ocr.local/run", timeout_seconds: 3}
`
	cfg, err := FromYAML([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Channels[0].Secret != "s3cr3t" || cfg.Channels[0].DefaultJourney != "field_visit" {
		t.Fatalf("channel: %+v", cfg.Channels[0])
	}
	if cfg.Presence.Geofence == nil || cfg.Presence.Geofence.RadiusMeters != 150 {
		t.Fatalf("geofence: %+v", cfg.Presence.Geofence)
	}
	if cfg.Location().String() != "America/Manaus" {
		t.Fatalf("location %s", cfg.Location())
	}
	if !strings.HasPrefix(cfg.Jobs.Endpoints["OCR_IMAGE"].URL, "http://") {
		t.Fatalf("endpoint: %+v", cfg.Jobs.Endpoints)
	}
}
