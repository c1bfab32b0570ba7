package model

import (
	"time"

	"github.com/shieldpool/bounty-cli/internal/money"
)

// Severity classifies a confirmed finding. Ordering matters for bounty tiers.
type Severity string

const (
	SeverityCritical      Severity = "critical"
	SeverityHigh          Severity = "high"
	SeverityMedium        Severity = "medium"
	SeverityLow           Severity = "low"
	SeverityInformational Severity = "informational"
)

// Valid reports whether s is a known severity tier.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInformational:
		return true
	}
	return false
}

// VulnerabilityStatus tracks a vulnerability through settlement.
type VulnerabilityStatus string

const (
	VulnStatusConfirmed VulnerabilityStatus = "confirmed"
	VulnStatusPaid      VulnerabilityStatus = "paid"
)

// Vulnerability is a confirmed finding tied to a protocol. A (protocol,
// content hash) pair identifies exactly one vulnerability; the store enforces
// this with a unique constraint. Immutable after creation except for Status
// and BountyAmount.
type Vulnerability struct {
	ID           string              `json:"id"`
	ProtocolID   string              `json:"protocol_id"`
	ValidationID string              `json:"validation_id"`
	ContentHash  string              `json:"content_hash"`
	Severity     Severity            `json:"severity"`
	VulnType     string              `json:"vuln_type,omitempty"`
	Status       VulnerabilityStatus `json:"status"`
	BountyAmount money.Amount        `json:"bounty_amount"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}
