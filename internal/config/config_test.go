package config_test

import (
	"strings"
	"testing"

	"embarques/internal/config"
)

func TestDefaultTemplateParses(t *testing.T) {
	cfg := config.Default()
	if cfg.Partner.Name != "orbium" {
		t.Fatalf("partner = %s", cfg.Partner.Name)
	}
	if cfg.SignatureHeader() != "X-Orbium-Signature" {
		t.Fatalf("signature header = %s", cfg.SignatureHeader())
	}
	if cfg.AITimeoutMs() != 3000 || cfg.MaxWriteAttempts() != 3 || cfg.MaxConcurrentDeliveries() != 32 {
		t.Fatalf("defaults: timeout=%d attempts=%d concurrency=%d",
			cfg.AITimeoutMs(), cfg.MaxWriteAttempts(), cfg.MaxConcurrentDeliveries())
	}
	if cfg.AI.Enabled {
		t.Fatal("enrichment must default to off")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := map[string]string{
		"missing partner name": `
partner:
  name: ""
`,
		"ai enabled without endpoint": `
partner:
  name: orbium
ai:
  enabled: true
`,
		"broker without topic": `
partner:
  name: orbium
broker:
  brokers: ["localhost:9092"]
  topic: ""
`,
		"webhook without url": `
partner:
  name: orbium
webhooks:
  - url: ""
`,
	}
	for name, yml := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := config.FromYAML([]byte(strings.TrimSpace(yml))); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestFromYAMLOverrides(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
partner:
  name: orbium
  signature_header: X-Custom-Sig
ai:
  enabled: true
  endpoint: https://ai.example.com/classify
  timeout_ms: 500
store:
  max_write_attempts: 5
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.SignatureHeader() != "X-Custom-Sig" {
		t.Fatalf("signature header = %s", cfg.SignatureHeader())
	}
	if cfg.AITimeoutMs() != 500 || cfg.MaxWriteAttempts() != 5 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}
