package hysteria2

import (
	"testing"
)

const sampleConfig = `
listen: :443
tls:
  cert: /etc/hysteria2/cert.pem
  key: /etc/hysteria2/key.pem
`

func TestParseConfigAndEnrich(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	cfg.Enrich(18080, 18081, "sekret")

	auth, ok := cfg.raw["auth"].(map[string]any)
	if !ok {
		t.Fatalf("expected auth block to be injected, got %T", cfg.raw["auth"])
	}
	if auth["type"] != "http" {
		t.Fatalf("expected http auth type, got %v", auth["type"])
	}
	httpBlock, ok := auth["http"].(map[string]any)
	if !ok || httpBlock["url"] != "http://127.0.0.1:18080" {
		t.Fatalf("unexpected auth http block: %+v", auth["http"])
	}

	stats, ok := cfg.raw["trafficStats"].(map[string]any)
	if !ok {
		t.Fatalf("expected trafficStats block to be injected, got %T", cfg.raw["trafficStats"])
	}
	if stats["listen"] != "127.0.0.1:18081" {
		t.Fatalf("unexpected trafficStats listen: %v", stats["listen"])
	}
	if stats["secret"] != "sekret" {
		t.Fatalf("unexpected trafficStats secret: %v", stats["secret"])
	}
}

func TestInboundIsStaticTag(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	ib := cfg.Inbound()
	if ib.Tag != inboundTag {
		t.Fatalf("expected tag %q, got %q", inboundTag, ib.Tag)
	}
}

func TestMarshalRoundTrips(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	cfg.Enrich(18080, 18081, "sekret")

	data, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	reparsed, err := ParseConfig(data)
	if err != nil {
		t.Fatalf("re-ParseConfig: %v", err)
	}
	if _, ok := reparsed.raw["trafficStats"]; !ok {
		t.Fatalf("expected trafficStats to survive round trip")
	}
}
