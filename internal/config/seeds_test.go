package config

import (
	"os"
	"path/filepath"
	"testing"

	"guata-knowledge-pipeline/models"
)

func writeSeedFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seeds.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSeedConfig(t *testing.T) {
	path := writeSeedFile(t, `
tenants:
  descubra-ms:
    seeds:
      - https://turismo.ms.gov.br
      - https://fundtur.ms.gov.br/eventos
    domains:
      ms.gov.br: high
      bonito-ms.com.br: medium
    allow:
      - visitbrasil.com
`)

	sc, err := LoadSeedConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	ts, ok := sc.Tenant("descubra-ms")
	if !ok {
		t.Fatal("tenant not loaded")
	}
	if len(ts.Seeds) != 2 {
		t.Errorf("seeds = %d, want 2", len(ts.Seeds))
	}
	if _, ok := sc.Tenant("unknown"); ok {
		t.Error("unknown tenant resolved")
	}
}

func TestLoadSeedConfigRejectsInvalid(t *testing.T) {
	noSeeds := writeSeedFile(t, `
tenants:
  empty:
    seeds: []
`)
	if _, err := LoadSeedConfig(noSeeds); err == nil {
		t.Error("tenant without seeds accepted")
	}

	badTier := writeSeedFile(t, `
tenants:
  bad:
    seeds: [https://example.com]
    domains:
      example.com: platinum
`)
	if _, err := LoadSeedConfig(badTier); err == nil {
		t.Error("unknown trust tier accepted")
	}

	if _, err := LoadSeedConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestTierForLongestSuffixMatch(t *testing.T) {
	ts := TenantSeeds{
		Domains: map[string]string{
			"ms.gov.br":         "medium",
			"turismo.ms.gov.br": "high",
		},
	}

	if tier := ts.TierFor("turismo.ms.gov.br"); tier != models.TrustTierHigh {
		t.Errorf("exact subdomain tier = %s, want high", tier)
	}
	if tier := ts.TierFor("www.turismo.ms.gov.br"); tier != models.TrustTierHigh {
		t.Errorf("www variant tier = %s, want high", tier)
	}
	if tier := ts.TierFor("fundtur.ms.gov.br"); tier != models.TrustTierMedium {
		t.Errorf("parent domain tier = %s, want medium", tier)
	}
	if tier := ts.TierFor("blog.example.com"); tier != models.TrustTierLow {
		t.Errorf("unknown host tier = %s, want low", tier)
	}
}

func TestDomainAllowed(t *testing.T) {
	ts := TenantSeeds{
		Seeds:   []string{"https://portal.cidade.ms.gov.br/inicio"},
		Domains: map[string]string{"ms.gov.br": "high"},
		Allow:   []string{"bonito-ms.com.br"},
	}

	allowed := []string{
		"turismo.ms.gov.br",
		"www.ms.gov.br",
		"bonito-ms.com.br",
		"passeios.bonito-ms.com.br",
		"portal.cidade.ms.gov.br",
	}
	for _, host := range allowed {
		if !ts.DomainAllowed(host) {
			t.Errorf("host %s should be allowed", host)
		}
	}

	denied := []string{
		"example.com",
		"msgov.br",
		"evil-ms.gov.br.attacker.com",
	}
	for _, host := range denied {
		if ts.DomainAllowed(host) {
			t.Errorf("host %s should be denied", host)
		}
	}
}
