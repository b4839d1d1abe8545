// Package dedup derives the identity fingerprints used to recognize the same
// finding across scans.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"

	"vuln-lifecycle-tracker/models"
)

// DescriptionPrefixLength bounds the description text used as a last-resort identity
const DescriptionPrefixLength = 100

// Dedup tiers, from strongest to weakest identity
const (
	// TierPluginCVEHost: plugin id, CVE and hostname all present
	TierPluginCVEHost = 1
	// TierPartialID: plugin id or CVE plus a hostname or IP
	TierPartialID = 2
	// TierWeakID: plugin id or CVE without any address
	TierWeakID = 3
	// TierDescription: identity rests on the truncated description text only
	TierDescription = 4
)

// field weights for the confidence score, summing to 100 for a fully populated record
const (
	weightHostname   = 25
	weightCVE        = 25
	weightPluginID   = 20
	weightIPAddress  = 10
	weightPluginName = 5
	weightVendorRef  = 5
	weightVulnDate   = 5
	weightPort       = 5
	weightDescOnly   = 10
)

// Keys is the identity derived from one canonical record
type Keys struct {
	LegacyKey   string `json:"legacy_key"`
	EnhancedKey string `json:"enhanced_key"`
	Confidence  int    `json:"confidence_score"`
	Tier        int    `json:"dedup_tier"`
}

type identity struct {
	hostname   string
	ip         string
	cve        string
	pluginID   string
	pluginName string
	vendor     string
	vendorRef  string
	vulnDate   string
	port       string
	desc       string
}

func normalize(r models.CanonicalRecord) identity {
	return identity{
		hostname:   strings.TrimSuffix(strings.ToLower(strings.TrimSpace(r.Hostname)), "."),
		ip:         strings.TrimSpace(r.IPAddress),
		cve:        strings.ToUpper(strings.TrimSpace(r.CVE)),
		pluginID:   strings.TrimSpace(r.PluginID),
		pluginName: normalizeText(r.PluginName),
		vendor:     strings.ToLower(strings.TrimSpace(r.Vendor)),
		vendorRef:  strings.TrimSpace(r.VendorReference),
		vulnDate:   strings.TrimSpace(r.VulnerabilityDate),
		port:       strings.TrimSpace(r.Port),
		desc:       normalizeText(r.Description),
	}
}

// Generate computes legacy key, enhanced key, confidence and tier.
// The result depends on the record fields only.
func Generate(r models.CanonicalRecord) Keys {
	id := normalize(r)
	tier := tierOf(id)
	return Keys{
		LegacyKey:   legacyKey(id),
		EnhancedKey: enhancedKey(id, tier),
		Confidence:  confidence(id),
		Tier:        tier,
	}
}

func tierOf(id identity) int {
	hasAddr := id.hostname != "" || id.ip != ""
	switch {
	case id.pluginID != "" && id.cve != "" && id.hostname != "":
		return TierPluginCVEHost
	case (id.pluginID != "" || id.cve != "") && hasAddr:
		return TierPartialID
	case id.pluginID != "" || id.cve != "":
		return TierWeakID
	default:
		return TierDescription
	}
}

func hostIdentity(id identity) string {
	if id.hostname != "" {
		return id.hostname
	}
	return id.ip
}

func legacyKey(id identity) string {
	host := hostIdentity(id)
	if id.cve != "" || id.pluginID != "" {
		return strings.Join([]string{host, id.cve, id.pluginID}, "|")
	}
	text := id.desc
	if text == "" {
		text = id.pluginName
	}
	return host + "|desc:" + prefix(text, DescriptionPrefixLength)
}

func enhancedKey(id identity, tier int) string {
	if id.hostname == "" && id.ip == "" {
		return ""
	}
	parts := []string{
		id.vendor,
		id.hostname,
		id.ip,
		id.cve,
		id.pluginID,
		id.vendorRef,
		id.vulnDate,
		id.port,
	}
	if tier >= TierWeakID {
		parts = append(parts, id.pluginName, prefix(id.desc, DescriptionPrefixLength))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

func confidence(id identity) int {
	score := 0
	add := func(present bool, weight int) {
		if present {
			score += weight
		}
	}
	add(id.hostname != "", weightHostname)
	add(id.ip != "", weightIPAddress)
	add(id.cve != "", weightCVE)
	add(id.pluginID != "", weightPluginID)
	add(id.pluginName != "", weightPluginName)
	add(id.vendorRef != "", weightVendorRef)
	add(id.vulnDate != "", weightVulnDate)
	add(id.port != "", weightPort)
	add(id.cve == "" && id.pluginID == "" && id.desc != "", weightDescOnly)
	if score > 100 {
		score = 100
	}
	return score
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func prefix(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
