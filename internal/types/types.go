package types

import "time"

// Undetermined is the sentinel substituted whenever a lookup cannot
// produce a real value. Lookups degrade to it instead of returning errors.
const Undetermined = "undetermined"

// TimestampFormat is the format used for human-readable timestamps in
// rotation records and verdicts.
const TimestampFormat = "2006-01-02 15:04:05"

// IsDetermined reports whether s holds a real lookup result.
func IsDetermined(s string) bool {
	return s != "" && s != Undetermined
}

// AddressInfo represents a resolved public address with its location.
// Each field independently falls back to Undetermined when its lookup fails.
type AddressInfo struct {
	Address string `json:"address"`
	Country string `json:"country"`
	City    string `json:"city"`
}

// RotationOutcome is the immutable result of one identity rotation
// attempt sequence. It is the unit of persistence and of notification.
// JSON field names match the on-disk changelog record format.
type RotationOutcome struct {
	Timestamp  string `json:"timestamp"`
	RealIP     string `json:"real_ip"`
	OldTorIP   string `json:"old_tor_ip"`
	NewTorIP   string `json:"new_tor_ip"`
	OldCountry string `json:"old_country"`
	OldCity    string `json:"old_city"`
	NewCountry string `json:"new_country"`
	NewCity    string `json:"new_city"`
	Changed    bool   `json:"changed"`
	Note       string `json:"note,omitempty"`
}

// NewRotationOutcome assembles an outcome stamped with the given time.
func NewRotationOutcome(now time.Time, realIP string, before, after AddressInfo, changed bool, note string) RotationOutcome {
	return RotationOutcome{
		Timestamp:  now.Format(TimestampFormat),
		RealIP:     realIP,
		OldTorIP:   before.Address,
		NewTorIP:   after.Address,
		OldCountry: before.Country,
		OldCity:    before.City,
		NewCountry: after.Country,
		NewCity:    after.City,
		Changed:    changed,
		Note:       note,
	}
}

// ThreatLevel classifies a reputation verdict.
type ThreatLevel string

const (
	ThreatClean      ThreatLevel = "clean"
	ThreatSuspicious ThreatLevel = "suspicious"
	ThreatMalicious  ThreatLevel = "malicious"
	ThreatError      ThreatLevel = "error"
	ThreatUnknown    ThreatLevel = "unknown"
)

// ReputationVerdict is the result of one manual reputation check.
type ReputationVerdict struct {
	Target       string      `json:"target"`
	IsSafe       bool        `json:"is_safe"`
	ThreatLevel  ThreatLevel `json:"threat_level"`
	ThreatCount  int         `json:"threat_count"`
	AnalysisDate string      `json:"analysis_date"`
	Details      string      `json:"details,omitempty"`
}
