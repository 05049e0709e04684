package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"guata-knowledge-pipeline/models"
)

// TenantSeeds is the crawl surface for one tenant: where crawls start,
// which domains outlinks may lead into, and how much each domain is
// trusted when ranking retrieval results.
type TenantSeeds struct {
	Seeds   []string          `yaml:"seeds"`
	Domains map[string]string `yaml:"domains"`
	Allow   []string          `yaml:"allow"`
}

// SeedConfig maps tenant codes to their crawl surfaces.
type SeedConfig struct {
	Tenants map[string]TenantSeeds `yaml:"tenants"`
}

// LoadSeedConfig reads and validates the YAML seed file.
func LoadSeedConfig(path string) (*SeedConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed config %s: %w", path, err)
	}

	var sc SeedConfig
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parsing seed config %s: %w", path, err)
	}

	for tenant, ts := range sc.Tenants {
		if len(ts.Seeds) == 0 {
			return nil, fmt.Errorf("tenant %q has no seed URLs", tenant)
		}
		for domain, tier := range ts.Domains {
			switch models.TrustTier(tier) {
			case models.TrustTierHigh, models.TrustTierMedium, models.TrustTierLow:
			default:
				return nil, fmt.Errorf("tenant %q domain %q: unknown trust tier %q", tenant, domain, tier)
			}
		}
	}
	return &sc, nil
}

// Tenant returns the seed configuration for a tenant code.
func (sc *SeedConfig) Tenant(code string) (TenantSeeds, bool) {
	ts, ok := sc.Tenants[code]
	return ts, ok
}

// TierFor resolves the trust tier for a host by longest-suffix match
// over the configured domain map. Unknown hosts are low trust.
func (ts TenantSeeds) TierFor(host string) models.TrustTier {
	host = strings.ToLower(host)
	best := ""
	tier := models.TrustTierLow
	for domain, t := range ts.Domains {
		if hostMatches(host, domain) && len(domain) > len(best) {
			best = domain
			tier = models.TrustTier(t)
		}
	}
	return tier
}

// DomainAllowed reports whether outlinks into host may be crawled for
// this tenant. The crawlable surface is the union of the seed domains,
// the trust-tier domains and the allow list.
func (ts TenantSeeds) DomainAllowed(host string) bool {
	host = strings.ToLower(host)
	for domain := range ts.Domains {
		if hostMatches(host, domain) {
			return true
		}
	}
	for _, domain := range ts.Allow {
		if hostMatches(host, domain) {
			return true
		}
	}
	for _, seed := range ts.Seeds {
		if d := hostOf(seed); d != "" && hostMatches(host, d) {
			return true
		}
	}
	return false
}

func hostMatches(host, domain string) bool {
	domain = strings.ToLower(strings.TrimPrefix(domain, "www."))
	host = strings.TrimPrefix(host, "www.")
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func hostOf(rawURL string) string {
	rest, ok := strings.CutPrefix(rawURL, "https://")
	if !ok {
		rest, ok = strings.CutPrefix(rawURL, "http://")
		if !ok {
			return ""
		}
	}
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		rest = rest[:i]
	}
	return strings.ToLower(rest)
}
