package singbox

import (
	"testing"

	"github.com/marzneshin/marznode/common"
)

const sampleConfig = `{
  "inbounds": [
    {"type": "vless", "tag": "vless-in", "listen": "0.0.0.0", "listen_port": 443}
  ],
  "outbounds": [{"type": "direct", "tag": "direct"}]
}`

func TestParseConfigValidatesTags(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if len(cfg.Inbounds) != 1 || cfg.Inbounds[0].Tag != "vless-in" {
		t.Fatalf("unexpected inbounds: %+v", cfg.Inbounds)
	}
}

func TestParseConfigRejectsNoInbounds(t *testing.T) {
	_, err := ParseConfig([]byte(`{"inbounds": []}`))
	if !common.Is(err, common.KindConfigInvalid) {
		t.Fatalf("expected KindConfigInvalid, got %v", err)
	}
}

func TestParseConfigRejectsMissingTag(t *testing.T) {
	_, err := ParseConfig([]byte(`{"inbounds": [{"type": "vless"}]}`))
	if !common.Is(err, common.KindConfigInvalid) {
		t.Fatalf("expected KindConfigInvalid, got %v", err)
	}
}

func TestParseConfigRejectsUnsupportedType(t *testing.T) {
	_, err := ParseConfig([]byte(`{"inbounds": [{"type": "wireguard", "tag": "wg-in"}]}`))
	if !common.Is(err, common.KindConfigInvalid) {
		t.Fatalf("expected KindConfigInvalid for unsupported inbound type, got %v", err)
	}
}

func TestEnrichSetsClashAPISecret(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	cfg.Enrich(9090, "topsecret")

	if cfg.Experimental == nil || cfg.Experimental.ClashAPI == nil {
		t.Fatalf("expected clash_api block to be injected")
	}
	if cfg.Experimental.ClashAPI.ExternalController != "127.0.0.1:9090" {
		t.Fatalf("unexpected external_controller: %s", cfg.Experimental.ClashAPI.ExternalController)
	}
	if cfg.Experimental.ClashAPI.Secret != "topsecret" {
		t.Fatalf("expected secret to be set")
	}
}

func TestFindInbound(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if ib := cfg.findInbound("vless-in"); ib == nil {
		t.Fatalf("expected to find vless-in")
	}
	if ib := cfg.findInbound("missing"); ib != nil {
		t.Fatalf("expected nil for missing tag")
	}
}

func TestMarshalRoundTrips(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	cfg.Enrich(9090, "s")

	data, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	reparsed, err := ParseConfig(data)
	if err != nil {
		t.Fatalf("re-ParseConfig: %v", err)
	}
	if len(reparsed.Inbounds) != len(cfg.Inbounds) {
		t.Fatalf("inbound count changed: %d != %d", len(reparsed.Inbounds), len(cfg.Inbounds))
	}
}
