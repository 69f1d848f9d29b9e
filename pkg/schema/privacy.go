package schema

import "time"

// Capability is a named permission checked independently of data content.
type Capability string

const (
	CapViewLocation  Capability = "view_location"
	CapViewHistory   Capability = "view_history"
	CapModifyPrivacy Capability = "modify_privacy"
	CapExportData    Capability = "export_data"
	CapDeleteData    Capability = "delete_data"
)

// Capabilities lists every capability the gate knows about.
var Capabilities = []Capability{
	CapViewLocation,
	CapViewHistory,
	CapModifyPrivacy,
	CapExportData,
	CapDeleteData,
}

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	for _, known := range Capabilities {
		if c == known {
			return true
		}
	}
	return false
}

// DataTypeLocation is the data type covered by position reports.
const DataTypeLocation = "location"

// ConsentRecord holds a user's data collection consent.
type ConsentRecord struct {
	UserID          string     `json:"user_id" yaml:"user_id"`
	ConsentGiven    bool       `json:"consent_given" yaml:"consent_given"`
	ConsentDate     *time.Time `json:"consent_date,omitempty" yaml:"consent_date,omitempty"`
	DataTypes       []string   `json:"data_types" yaml:"data_types"`
	RetentionPeriod string     `json:"retention_period" yaml:"retention_period"`
	CanWithdraw     bool       `json:"can_withdraw" yaml:"can_withdraw"`
}

// Covers reports whether the record opts into dataType.
func (c ConsentRecord) Covers(dataType string) bool {
	if !c.ConsentGiven {
		return false
	}
	for _, dt := range c.DataTypes {
		if dt == dataType {
			return true
		}
	}
	return false
}

// PrivacyPolicy governs whether a set of data types may be collected at all.
// A required policy is always active.
type PrivacyPolicy struct {
	ID              string   `json:"id" yaml:"id"`
	Title           string   `json:"title" yaml:"title"`
	DataTypes       []string `json:"data_types" yaml:"data_types"`
	Purpose         string   `json:"purpose" yaml:"purpose"`
	RetentionPeriod string   `json:"retention_period" yaml:"retention_period"`
	IsRequired      bool     `json:"is_required" yaml:"is_required"`
	IsActive        bool     `json:"is_active" yaml:"is_active"`
}

// Covers reports whether the policy lists dataType.
func (p PrivacyPolicy) Covers(dataType string) bool {
	for _, dt := range p.DataTypes {
		if dt == dataType {
			return true
		}
	}
	return false
}

// Audit results.
const (
	ResultAllow    = "allow"
	ResultDeny     = "deny"
	ResultSuccess  = "success"
	ResultRejected = "rejected"
)

// AuditLogEntry is an immutable record of a gated decision or mutation.
type AuditLogEntry struct {
	ID         string     `json:"id"`
	Action     string     `json:"action"`
	Actor      string     `json:"actor"`
	Target     string     `json:"target"`
	Timestamp  time.Time  `json:"timestamp"`
	Result     string     `json:"result"`
	Capability Capability `json:"capability,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// PrivacySettings is the campus-wide privacy configuration.
type PrivacySettings struct {
	DefaultPrivacyLevel    PrivacyLevel `json:"default_privacy_level"`
	DataRetentionPeriod    string       `json:"data_retention_period"`
	RequireExplicitConsent bool         `json:"require_explicit_consent"`
	EnableAuditLogging     bool         `json:"enable_audit_logging"`
	// AllowAnonymousAnalytics enables per-room and per-hour aggregates built
	// from consenting users' events.
	AllowAnonymousAnalytics bool `json:"allow_anonymous_analytics"`
}
