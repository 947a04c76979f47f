package detectors

import (
	"context"
	"fmt"
	"math"
	"net/netip"
	"sort"
	"strings"

	"github.com/lvonguyen/shadowscan/internal/config"
	"github.com/lvonguyen/shadowscan/internal/event"
)

// AIProviderDetector fingerprints traffic to known AI vendors from event
// metadata: API endpoints, user agents, OAuth scopes, source IPs, webhook
// destinations, and content keywords.
type AIProviderDetector struct {
	cfg   config.AIProviderConfig
	table *SignatureTable
}

// NewAIProviderDetector creates a detector over the given signature table.
// A nil table uses the built-in set.
func NewAIProviderDetector(cfg config.AIProviderConfig, table *SignatureTable) *AIProviderDetector {
	if table == nil {
		table = DefaultSignatureTable()
	}
	providers := make([]ProviderSignature, len(table.Providers))
	copy(providers, table.Providers)
	sort.Slice(providers, func(i, j int) bool {
		return providers[i].Provider < providers[j].Provider
	})
	return &AIProviderDetector{
		cfg:   cfg,
		table: &SignatureTable{Version: table.Version, Providers: providers},
	}
}

// Name implements Detector.
func (d *AIProviderDetector) Name() string { return DetectorAIProvider }

// TableVersion reports which signature table is active.
func (d *AIProviderDetector) TableVersion() string { return d.table.Version }

// Detect scores every event against every provider signature and reports
// the best-matching provider per event. Confidence is the matched share of
// the evaluated signal weight, scaled to 0-100; providers are compared in
// lexical order so equal scores resolve deterministically.
func (d *AIProviderDetector) Detect(_ context.Context, events []*event.MultiPlatformEvent) ([]Finding, error) {
	var findings []Finding
	for _, ev := range events {
		sig := extractSignals(ev)
		if sig.empty() {
			continue
		}

		var (
			best         string
			bestConf     int
			bestEvidence []Evidence
		)
		for _, provider := range d.table.Providers {
			conf, evidence := d.score(provider, sig)
			if conf > bestConf {
				best, bestConf, bestEvidence = provider.Provider, conf, evidence
			}
		}
		if best == "" || bestConf < d.cfg.MinConfidence {
			continue
		}

		severity := SeverityMedium
		if bestConf >= 80 {
			severity = SeverityHigh
		}
		findings = append(findings, Finding{
			Detector:   DetectorAIProvider,
			Subject:    ev.UserID,
			Confidence: bestConf,
			Severity:   severity,
			Description: fmt.Sprintf("traffic fingerprint matches AI provider %q (%d signals)",
				best, len(bestEvidence)),
			Evidence: bestEvidence,
			EventIDs: []string{ev.EventID},
			Provider: best,
		})
	}
	return findings, nil
}

// signals is what one event exposes for fingerprinting.
type signals struct {
	endpoint  string
	userAgent string
	scopes    []string
	sourceIP  string
	webhook   string
	content   string
}

func (s signals) empty() bool {
	return s.endpoint == "" && s.userAgent == "" && len(s.scopes) == 0 &&
		s.sourceIP == "" && s.webhook == "" && s.content == ""
}

func extractSignals(ev *event.MultiPlatformEvent) signals {
	md := ev.ActionDetails.Metadata
	get := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := md[k]; ok && v != "" {
				return v
			}
		}
		return ""
	}
	var scopes []string
	if raw := get("scopes", "oauth_scopes"); raw != "" {
		for _, s := range strings.FieldsFunc(raw, func(r rune) bool { return r == ' ' || r == ',' }) {
			scopes = append(scopes, strings.TrimSpace(s))
		}
	}
	content := strings.ToLower(ev.ActionDetails.ResourceName)
	if extra := get("text", "content", "description"); extra != "" {
		content += " " + strings.ToLower(extra)
	}
	return signals{
		endpoint:  strings.ToLower(get("api_endpoint", "endpoint", "url")),
		userAgent: strings.ToLower(get("user_agent")),
		scopes:    scopes,
		sourceIP:  get("source_ip", "ip_address"),
		webhook:   strings.ToLower(get("webhook_url", "webhook_host")),
		content:   strings.TrimSpace(content),
	}
}

// score returns the provider's confidence for the observed signals along
// with evidence naming each matched pattern. Only signal classes the
// provider defines patterns for count toward the evaluated weight, so a
// provider is never penalized for signals it does not publish.
func (d *AIProviderDetector) score(sig ProviderSignature, obs signals) (int, []Evidence) {
	var evaluated, matched float64
	var evidence []Evidence

	check := func(weight float64, signal string, patterns []string, match func(string) (string, bool)) {
		if len(patterns) == 0 || weight <= 0 {
			return
		}
		evaluated += weight
		for _, p := range patterns {
			if value, ok := match(p); ok {
				matched += weight
				evidence = append(evidence, Evidence{Signal: signal, Pattern: p, Value: value})
				return
			}
		}
	}

	check(sig.Weights.Endpoint, "endpoint", sig.Endpoints, func(p string) (string, bool) {
		return obs.endpoint, obs.endpoint != "" && strings.Contains(obs.endpoint, strings.ToLower(p))
	})
	check(sig.Weights.UserAgent, "user_agent", sig.UserAgents, func(p string) (string, bool) {
		return obs.userAgent, obs.userAgent != "" && strings.Contains(obs.userAgent, strings.ToLower(p))
	})
	check(sig.Weights.Scopes, "oauth_scope", sig.Scopes, func(p string) (string, bool) {
		for _, s := range obs.scopes {
			if strings.EqualFold(s, p) {
				return s, true
			}
		}
		return "", false
	})
	check(sig.Weights.IPRange, "ip_range", sig.IPRanges, func(p string) (string, bool) {
		addr, err := netip.ParseAddr(obs.sourceIP)
		if err != nil {
			return "", false
		}
		prefix, err := netip.ParsePrefix(p)
		if err != nil {
			return "", false
		}
		return obs.sourceIP, prefix.Contains(addr)
	})
	check(sig.Weights.Webhook, "webhook_host", sig.WebhookHosts, func(p string) (string, bool) {
		return obs.webhook, obs.webhook != "" && strings.Contains(obs.webhook, strings.ToLower(p))
	})
	check(sig.Weights.Content, "content_keyword", sig.ContentKeywords, func(p string) (string, bool) {
		return obs.content, obs.content != "" && strings.Contains(obs.content, strings.ToLower(p))
	})

	if evaluated == 0 || matched == 0 {
		return 0, nil
	}
	return clampConfidence(int(math.Round(matched / evaluated * 100))), evidence
}
