// Copyright 2025 James Ross
package claims

import "time"

// PayerID enumerates the single recognized payer id space. The
// clearinghouse registry and the inbound claim both speak this enum
// directly; there is no translation layer between them.
type PayerID string

const (
	PayerMedicare          PayerID = "medicare"
	PayerUnitedHealthGroup PayerID = "united_health_group"
	PayerAnthem            PayerID = "anthem"
)

// ServiceLine is one billable line item on a claim.
type ServiceLine struct {
	ServiceLineID    string   `json:"service_line_id" validate:"required"`
	ProcedureCode    string   `json:"procedure_code" validate:"required"`
	Units            int      `json:"units" validate:"required,gt=0"`
	UnitChargeAmount float64  `json:"unit_charge_amount" validate:"gte=0"`
	Currency         string   `json:"currency" validate:"required,len=3"`
	Modifiers        []string `json:"modifiers,omitempty"`
	DoNotBill        bool     `json:"do_not_bill,omitempty"`
}

// BilledAmount is units * unit_charge_amount.
func (s ServiceLine) BilledAmount() float64 {
	return float64(s.Units) * s.UnitChargeAmount
}

// Insurance identifies the payer and the patient's member id with that payer.
type Insurance struct {
	PayerID        PayerID `json:"payer_id" validate:"required,oneof=medicare united_health_group anthem"`
	PatientMemberID string `json:"patient_member_id" validate:"required"`
}

// Address is a free-form postal address; every field is optional.
type Address struct {
	Line1 string `json:"line1,omitempty"`
	Line2 string `json:"line2,omitempty"`
	City  string `json:"city,omitempty"`
	State string `json:"state,omitempty"`
	Zip   string `json:"zip,omitempty"`
}

// Patient carries demographic data used downstream for patient cost-share
// rollups in billing.
type Patient struct {
	Name    string   `json:"name" validate:"required"`
	Gender  string   `json:"gender" validate:"required,oneof=m f"`
	DOB     string   `json:"dob" validate:"required"` // YYYY-MM-DD, validated in Parse
	Address *Address `json:"address,omitempty"`
}

// Organization is the billing entity submitting the claim.
type Organization struct {
	Name    string   `json:"name" validate:"required"`
	NPI     string   `json:"npi,omitempty"`
	EIN     string   `json:"ein,omitempty"`
	Contact string   `json:"contact,omitempty"`
	Address *Address `json:"address,omitempty"`
}

// Provider is the clinician who rendered the service.
type Provider struct {
	Name string `json:"name" validate:"required"`
	NPI  string `json:"npi" validate:"required,len=10,numeric"`
}

// PayerClaim is the inbound claim record, one per NDJSON line.
type PayerClaim struct {
	ClaimID          string        `json:"claim_id" validate:"required"`
	PlaceOfService   string        `json:"place_of_service" validate:"required"`
	Insurance        Insurance     `json:"insurance" validate:"required"`
	Patient          Patient       `json:"patient" validate:"required"`
	Organization     Organization  `json:"organization" validate:"required"`
	RenderingProvider Provider     `json:"rendering_provider" validate:"required"`
	ServiceLines     []ServiceLine `json:"service_lines" validate:"required,min=1,dive"`
}

// TotalBilledAmount sums BilledAmount across every service line.
func (c PayerClaim) TotalBilledAmount() float64 {
	var total float64
	for _, l := range c.ServiceLines {
		total += l.BilledAmount()
	}
	return total
}

// ClaimMessage is the envelope produced by ingestion and consumed by the
// clearinghouse router.
type ClaimMessage struct {
	CorrelationID string            `json:"correlation_id"`
	Claim         PayerClaim        `json:"claim"`
	IngestedAt    time.Time         `json:"ingested_at"`
	TraceContext  map[string]string `json:"trace_context,omitempty"`
}

// CorrelationRecord is the in-flight tracking row held by the correlation
// store between clearinghouse routing and remittance matching.
type CorrelationRecord struct {
	CorrelationID string
	ClaimID       string
	PatientID     string
	PayerID       PayerID
	IngestedAt    time.Time
	SubmittedAt   time.Time
	Claim         PayerClaim
}

// RemittanceStatus is the per-line or overall adjudication outcome.
type RemittanceStatus string

const (
	StatusApproved      RemittanceStatus = "APPROVED"
	StatusDenied        RemittanceStatus = "DENIED"
	StatusPartialDenial RemittanceStatus = "PARTIAL_DENIAL"
)

// DenialSeverity classifies how final a denial is.
type DenialSeverity string

const (
	SeverityHard           DenialSeverity = "HARD"
	SeveritySoft           DenialSeverity = "SOFT"
	SeverityAdministrative DenialSeverity = "ADMINISTRATIVE"
)

// DenialInfo carries the EDI reason codes attached to a denied line.
type DenialInfo struct {
	Code        string         `json:"code"`
	GroupCode   string         `json:"group_code"`
	ReasonCode  string         `json:"reason_code"`
	Category    string         `json:"category"`
	Severity    DenialSeverity `json:"severity"`
	Description string         `json:"description"`
}

// CostShare is the non-negative split of a line's billed amount.
type CostShare struct {
	PayerPaid   float64 `json:"payer_paid"`
	Coinsurance float64 `json:"coinsurance"`
	Copay       float64 `json:"copay"`
	Deductible  float64 `json:"deductible"`
	NotAllowed  float64 `json:"not_allowed"`
}

// Sum totals the five components of the cost share.
func (c CostShare) Sum() float64 {
	return c.PayerPaid + c.Coinsurance + c.Copay + c.Deductible + c.NotAllowed
}

// RemittanceLine is the payer's adjudication result for one service line.
type RemittanceLine struct {
	ServiceLineID string           `json:"service_line_id"`
	BilledAmount  float64          `json:"billed_amount"`
	CostShare     CostShare        `json:"cost_share"`
	Status        RemittanceStatus `json:"status"`
	DenialInfo    *DenialInfo      `json:"denial_info,omitempty"`
}

// RemittanceAdvice is the payer's full response to a claim.
type RemittanceAdvice struct {
	CorrelationID    string           `json:"correlation_id"`
	ClaimID          string           `json:"claim_id"`
	PayerID          PayerID          `json:"payer_id"`
	Lines            []RemittanceLine `json:"lines"`
	ProcessedAt      time.Time        `json:"processed_at"`
	OverallStatus    RemittanceStatus `json:"overall_status"`
	TotalDeniedAmount float64         `json:"total_denied_amount,omitempty"`
}

// RemittanceMessage is the envelope placed on the remittance queue by the
// payer adjudication engine and consumed by the matcher.
type RemittanceMessage struct {
	CorrelationID string            `json:"correlation_id"`
	Advice        RemittanceAdvice  `json:"advice"`
	TraceContext  map[string]string `json:"trace_context,omitempty"`
}

// ProcessedClaim is the billing sink's persisted row.
type ProcessedClaim struct {
	CorrelationID     string           `json:"correlation_id"`
	ClaimID           string           `json:"claim_id"`
	PatientID         string           `json:"patient_id"`
	PayerID           PayerID          `json:"payer_id"`
	IngestedAt        time.Time        `json:"ingested_at"`
	ProcessedAt       time.Time        `json:"processed_at"`
	ProcessingTimeMs  int64            `json:"processing_time_ms"`
	Remittance        RemittanceAdvice `json:"remittance"`
}

// DelayRange is an inclusive [Min, Max] millisecond window.
type DelayRange struct {
	Min int `mapstructure:"min"`
	Max int `mapstructure:"max"`
}

// AdjudicationRules are the payer's cost-share parameters.
type AdjudicationRules struct {
	PayerPercentage      float64 `mapstructure:"payer_percentage"`
	CopayFixedAmount     float64 `mapstructure:"copay_fixed_amount"`
	DeductiblePercentage float64 `mapstructure:"deductible_percentage"`
}

// DenialSettings configure how often and how severely a payer denies a line.
type DenialSettings struct {
	DenialRate         float64  `mapstructure:"denial_rate"`
	HardDenialRate     float64  `mapstructure:"hard_denial_rate"`
	PreferredCategories []string `mapstructure:"preferred_categories"`
}

// PayerConfig is the per-payer adjudication profile.
type PayerConfig struct {
	PayerID            PayerID           `mapstructure:"payer_id"`
	DisplayName        string            `mapstructure:"display_name"`
	ProcessingDelayMs  DelayRange        `mapstructure:"processing_delay_ms"`
	Rules              AdjudicationRules `mapstructure:"rules"`
	Denial             DenialSettings    `mapstructure:"denial"`
}
