// Package normalizer turns tabular scan exports into canonical records.
// Only canonical column names are recognized; vendor column mapping happens upstream.
package normalizer

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"vuln-lifecycle-tracker/models"
	"vuln-lifecycle-tracker/pipeline"
)

// RowNormalizer maps one raw row, keyed by canonical column, to zero or more canonical records
type RowNormalizer interface {
	Normalize(row map[string]string) ([]models.CanonicalRecord, error)
}

// Canonical column names
const (
	ColHostname          = "hostname"
	ColIPAddress         = "ip_address"
	ColCVE               = "cve"
	ColPluginID          = "plugin_id"
	ColPluginName        = "plugin_name"
	ColDescription       = "description"
	ColSeverity          = "severity"
	ColVPRScore          = "vpr_score"
	ColCVSSScore         = "cvss_score"
	ColVendor            = "vendor"
	ColVendorReference   = "vendor_reference"
	ColVulnerabilityDate = "vulnerability_date"
	ColPort              = "port"
	ColProtocol          = "protocol"
	ColSolution          = "solution"
	ColFirstSeen         = "first_seen"
	ColLastSeen          = "last_seen"
)

var cveSeparators = regexp.MustCompile(`[,;\s]+`)

var errEmptyRow = errors.New("row is empty")

// CanonicalNormalizer reads rows whose headers already use the canonical column names.
// A cve cell listing several CVEs expands into one record per CVE.
type CanonicalNormalizer struct {
	// Vendor is used when the row carries no vendor column
	Vendor string
}

// Normalize implements RowNormalizer
func (n CanonicalNormalizer) Normalize(row map[string]string) ([]models.CanonicalRecord, error) {
	if isBlank(row) {
		return nil, errEmptyRow
	}

	raw, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("failed to encode raw row: %w", err)
	}

	vpr, err := parseScore(row[ColVPRScore])
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", ColVPRScore, err)
	}
	cvss, err := parseScore(row[ColCVSSScore])
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", ColCVSSScore, err)
	}

	base := models.CanonicalRecord{
		Hostname:          row[ColHostname],
		IPAddress:         row[ColIPAddress],
		PluginID:          row[ColPluginID],
		PluginName:        row[ColPluginName],
		Description:       row[ColDescription],
		Severity:          models.ParseSeverity(row[ColSeverity]),
		VPRScore:          vpr,
		CVSSScore:         cvss,
		Vendor:            firstNonEmpty(row[ColVendor], n.Vendor),
		VendorReference:   row[ColVendorReference],
		VulnerabilityDate: row[ColVulnerabilityDate],
		Port:              row[ColPort],
		Protocol:          row[ColProtocol],
		Solution:          row[ColSolution],
		FirstSeen:         row[ColFirstSeen],
		LastSeen:          row[ColLastSeen],
		RawRow:            string(raw),
	}

	cves := splitCVEs(row[ColCVE])
	if len(cves) == 0 {
		if err := base.Validate(); err != nil {
			return nil, err
		}
		return []models.CanonicalRecord{base}, nil
	}

	records := make([]models.CanonicalRecord, 0, len(cves))
	for _, cve := range cves {
		rec := base
		rec.CVE = cve
		if err := rec.Validate(); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Result is the outcome of reading one export
type Result struct {
	Records []models.CanonicalRecord
	Rows    int
	Errors  []*pipeline.NormalizationError
}

// ReadCSV reads a CSV export with a header row and normalizes every data row.
// Rows that cannot be normalized are collected as NormalizationErrors; only a broken
// header or an unreadable stream fails the whole read.
func ReadCSV(r io.Reader, normalizer RowNormalizer) (*Result, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("export is empty")
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = canonicalColumn(h)
	}

	result := &Result{}
	for line := 2; ; line++ {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		result.Rows++
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				result.Errors = append(result.Errors, &pipeline.NormalizationError{Row: line, Reason: "malformed csv row", Err: err})
				continue
			}
			return nil, fmt.Errorf("failed to read export: %w", err)
		}

		row := make(map[string]string, len(columns))
		for i, value := range fields {
			if i < len(columns) && columns[i] != "" {
				row[columns[i]] = strings.TrimSpace(value)
			}
		}

		records, err := normalizer.Normalize(row)
		if err != nil {
			result.Errors = append(result.Errors, &pipeline.NormalizationError{Row: line, Reason: "row not normalized", Err: err})
			continue
		}
		result.Records = append(result.Records, records...)
	}

	return result, nil
}

// canonicalColumn folds "Plugin ID", "plugin-id" and "PLUGIN_ID" onto plugin_id
func canonicalColumn(header string) string {
	h := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(header, "\ufeff")))
	h = strings.NewReplacer(" ", "_", "-", "_").Replace(h)
	return h
}

func splitCVEs(cell string) []string {
	var cves []string
	seen := make(map[string]bool)
	for _, part := range cveSeparators.Split(strings.TrimSpace(cell), -1) {
		cve := strings.ToUpper(strings.TrimSpace(part))
		if cve == "" || seen[cve] {
			continue
		}
		seen[cve] = true
		cves = append(cves, cve)
	}
	return cves
}

func parseScore(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

func isBlank(row map[string]string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
