package models

import (
	"errors"
	"strings"
)

// Severity is the normalized severity bucket of a finding
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Severities lists every bucket in reporting order
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}

// ParseSeverity maps vendor severity labels onto the normalized buckets.
// Unknown labels fall into info.
func ParseSeverity(raw string) Severity {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "critical", "crit", "4":
		return SeverityCritical
	case "high", "3":
		return SeverityHigh
	case "medium", "moderate", "med", "2":
		return SeverityMedium
	case "low", "1":
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// LifecycleState describes a finding's standing relative to the latest scan
type LifecycleState string

const (
	StateActive      LifecycleState = "active"
	StateGracePeriod LifecycleState = "grace_period"
	StateResolved    LifecycleState = "resolved"
	StateReopened    LifecycleState = "reopened"
)

// ResolutionNotPresentInScan is recorded when a finding disappears from a scan
const ResolutionNotPresentInScan = "not_present_in_scan"

// CanonicalRecord is one normalized finding produced from a vendor export row
type CanonicalRecord struct {
	Hostname          string   `json:"hostname"`
	IPAddress         string   `json:"ip_address"`
	CVE               string   `json:"cve"`
	PluginID          string   `json:"plugin_id"`
	PluginName        string   `json:"plugin_name"`
	Description       string   `json:"description"`
	Severity          Severity `json:"severity"`
	VPRScore          float64  `json:"vpr_score"`
	CVSSScore         float64  `json:"cvss_score"`
	Vendor            string   `json:"vendor"`
	VendorReference   string   `json:"vendor_reference"`
	VulnerabilityDate string   `json:"vulnerability_date"`
	Port              string   `json:"port"`
	Protocol          string   `json:"protocol"`
	Solution          string   `json:"solution"`
	FirstSeen         string   `json:"first_seen"`
	LastSeen          string   `json:"last_seen"`
	RawRow            string   `json:"raw_row"`
}

var (
	ErrMissingHost     = errors.New("record has neither hostname nor ip address")
	ErrMissingIdentity = errors.New("record has no cve, plugin id, plugin name or description")
)

// Validate reports whether the record carries enough identity to be tracked
func (r *CanonicalRecord) Validate() error {
	if strings.TrimSpace(r.Hostname) == "" && strings.TrimSpace(r.IPAddress) == "" {
		return ErrMissingHost
	}
	if strings.TrimSpace(r.CVE) == "" && strings.TrimSpace(r.PluginID) == "" &&
		strings.TrimSpace(r.PluginName) == "" && strings.TrimSpace(r.Description) == "" {
		return ErrMissingIdentity
	}
	return nil
}

// Vulnerability is a row of the canonical inventory, one per distinct finding
type Vulnerability struct {
	ID               int64          `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	EnhancedKey      string         `json:"enhanced_key" gorm:"column:enhanced_key"`
	LegacyKey        string         `json:"legacy_key" gorm:"column:legacy_key"`
	Hostname         string         `json:"hostname" gorm:"column:hostname"`
	IPAddress        string         `json:"ip_address" gorm:"column:ip_address"`
	CVE              string         `json:"cve" gorm:"column:cve"`
	PluginID         string         `json:"plugin_id" gorm:"column:plugin_id"`
	PluginName       string         `json:"plugin_name" gorm:"column:plugin_name"`
	Description      string         `json:"description" gorm:"column:description"`
	Severity         Severity       `json:"severity" gorm:"column:severity"`
	VPRScore         float64        `json:"vpr_score" gorm:"column:vpr_score"`
	CVSSScore        float64        `json:"cvss_score" gorm:"column:cvss_score"`
	Vendor           string         `json:"vendor" gorm:"column:vendor"`
	VendorReference  string         `json:"vendor_reference" gorm:"column:vendor_reference"`
	Port             string         `json:"port" gorm:"column:port"`
	Protocol         string         `json:"protocol" gorm:"column:protocol"`
	Solution         string         `json:"solution" gorm:"column:solution"`
	LifecycleState   LifecycleState `json:"lifecycle_state" gorm:"column:lifecycle_state"`
	ResolvedDate     string         `json:"resolved_date,omitempty" gorm:"column:resolved_date"`
	ResolutionReason string         `json:"resolution_reason,omitempty" gorm:"column:resolution_reason"`
	ReopenedDate     string         `json:"reopened_date,omitempty" gorm:"column:reopened_date"`
	ConfidenceScore  int            `json:"confidence_score" gorm:"column:confidence_score"`
	DedupTier        int            `json:"dedup_tier" gorm:"column:dedup_tier"`
	ScanDate         string         `json:"scan_date" gorm:"column:scan_date"`
	FirstSeen        string         `json:"first_seen" gorm:"column:first_seen"`
	LastSeen         string         `json:"last_seen" gorm:"column:last_seen"`
	LastImportID     string         `json:"last_import_id" gorm:"column:last_import_id"`
}

func (Vulnerability) TableName() string {
	return "vulnerabilities_current"
}

// Snapshot is an immutable (finding, scan) observation
type Snapshot struct {
	ID              int64    `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	ImportID        string   `json:"import_id" gorm:"column:import_id"`
	ScanDate        string   `json:"scan_date" gorm:"column:scan_date"`
	Hostname        string   `json:"hostname" gorm:"column:hostname"`
	IPAddress       string   `json:"ip_address" gorm:"column:ip_address"`
	CVE             string   `json:"cve" gorm:"column:cve"`
	PluginID        string   `json:"plugin_id" gorm:"column:plugin_id"`
	PluginName      string   `json:"plugin_name" gorm:"column:plugin_name"`
	Description     string   `json:"description" gorm:"column:description"`
	Severity        Severity `json:"severity" gorm:"column:severity"`
	VPRScore        float64  `json:"vpr_score" gorm:"column:vpr_score"`
	EnhancedKey     string   `json:"enhanced_key" gorm:"column:enhanced_key"`
	LegacyKey       string   `json:"legacy_key" gorm:"column:legacy_key"`
	ConfidenceScore int      `json:"confidence_score" gorm:"column:confidence_score"`
	DedupTier       int      `json:"dedup_tier" gorm:"column:dedup_tier"`
}

func (Snapshot) TableName() string {
	return "vulnerability_snapshots"
}
