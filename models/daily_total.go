package models

// DailyTotal holds the derived severity totals for one scan date
type DailyTotal struct {
	ID            int64   `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	ScanDate      string  `json:"scan_date" gorm:"column:scan_date;uniqueIndex"`
	CriticalCount int     `json:"critical_count" gorm:"column:critical_count"`
	CriticalVPR   float64 `json:"critical_total_vpr" gorm:"column:critical_total_vpr"`
	HighCount     int     `json:"high_count" gorm:"column:high_count"`
	HighVPR       float64 `json:"high_total_vpr" gorm:"column:high_total_vpr"`
	MediumCount   int     `json:"medium_count" gorm:"column:medium_count"`
	MediumVPR     float64 `json:"medium_total_vpr" gorm:"column:medium_total_vpr"`
	LowCount      int     `json:"low_count" gorm:"column:low_count"`
	LowVPR        float64 `json:"low_total_vpr" gorm:"column:low_total_vpr"`
	InfoCount     int     `json:"info_count" gorm:"column:info_count"`
	InfoVPR       float64 `json:"info_total_vpr" gorm:"column:info_total_vpr"`
	ActiveCount   int     `json:"active_count" gorm:"column:active_count"`
	ResolvedCount int     `json:"resolved_count" gorm:"column:resolved_count"`
	ReopenedCount int     `json:"reopened_count" gorm:"column:reopened_count"`
}

func (DailyTotal) TableName() string {
	return "vulnerability_daily_totals"
}

// SetSeverity stores the bucket values for one severity and keeps ActiveCount in sync
func (d *DailyTotal) SetSeverity(sev Severity, count int, vpr float64) {
	switch sev {
	case SeverityCritical:
		d.CriticalCount, d.CriticalVPR = count, vpr
	case SeverityHigh:
		d.HighCount, d.HighVPR = count, vpr
	case SeverityMedium:
		d.MediumCount, d.MediumVPR = count, vpr
	case SeverityLow:
		d.LowCount, d.LowVPR = count, vpr
	default:
		d.InfoCount, d.InfoVPR = count, vpr
	}
	d.ActiveCount = d.CriticalCount + d.HighCount + d.MediumCount + d.LowCount + d.InfoCount
}

// Count returns the finding count for a severity bucket
func (d *DailyTotal) Count(sev Severity) int {
	switch sev {
	case SeverityCritical:
		return d.CriticalCount
	case SeverityHigh:
		return d.HighCount
	case SeverityMedium:
		return d.MediumCount
	case SeverityLow:
		return d.LowCount
	default:
		return d.InfoCount
	}
}

// VPR returns the summed VPR score for a severity bucket
func (d *DailyTotal) VPR(sev Severity) float64 {
	switch sev {
	case SeverityCritical:
		return d.CriticalVPR
	case SeverityHigh:
		return d.HighVPR
	case SeverityMedium:
		return d.MediumVPR
	case SeverityLow:
		return d.LowVPR
	default:
		return d.InfoVPR
	}
}

// SeverityDelta is the change of one severity bucket between two scan dates
type SeverityDelta struct {
	Severity    Severity `json:"severity"`
	Current     int      `json:"current"`
	Previous    int      `json:"previous"`
	CountDelta  int      `json:"count_delta"`
	CurrentVPR  float64  `json:"current_vpr"`
	PreviousVPR float64  `json:"previous_vpr"`
	VPRDelta    float64  `json:"vpr_delta"`
}

// CVEChange summarizes one CVE that appeared or disappeared
type CVEChange struct {
	CVE       string   `json:"cve"`
	Severity  Severity `json:"severity"`
	HostCount int      `json:"host_count"`
	TotalVPR  float64  `json:"total_vpr"`
}

// ChangeSummary compares a scan date against the most recent prior one
type ChangeSummary struct {
	ScanDate         string          `json:"scan_date"`
	PreviousScanDate string          `json:"previous_scan_date,omitempty"`
	Severities       []SeverityDelta `json:"severities"`
	NewCVEs          []CVEChange     `json:"new_cves"`
	ResolvedCVEs     []CVEChange     `json:"resolved_cves"`
}
