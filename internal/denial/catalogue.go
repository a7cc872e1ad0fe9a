// Copyright 2025 James Ross

// Package denial holds the static EDI denial-reason catalogue and the
// weighted selection used by the payer adjudication engine.
package denial

import (
	"crypto/rand"
	"encoding/binary"
	"math"

	"github.com/flyingrobots/claims-clearinghouse/internal/claims"
)

// Reason is a catalogue entry.
type Reason struct {
	Code        string
	GroupCode   string
	ReasonCode  string
	Category    string
	Severity    claims.DenialSeverity
	Description string
	Weight      float64
}

// Catalogue is the static, read-only-at-startup set of denial reasons.
var Catalogue = []Reason{
	{Code: "CO-4", GroupCode: "CO", ReasonCode: "4", Category: "coding", Severity: claims.SeverityHard, Description: "The procedure code is inconsistent with the modifier used", Weight: 3},
	{Code: "CO-11", GroupCode: "CO", ReasonCode: "11", Category: "coding", Severity: claims.SeverityHard, Description: "The diagnosis is inconsistent with the procedure", Weight: 2},
	{Code: "CO-16", GroupCode: "CO", ReasonCode: "16", Category: "documentation", Severity: claims.SeveritySoft, Description: "Claim lacks information needed for adjudication", Weight: 5},
	{Code: "CO-18", GroupCode: "CO", ReasonCode: "18", Category: "duplicate", Severity: claims.SeverityHard, Description: "Duplicate claim or service", Weight: 2},
	{Code: "CO-29", GroupCode: "CO", ReasonCode: "29", Category: "timely_filing", Severity: claims.SeverityHard, Description: "The time limit for filing has expired", Weight: 1},
	{Code: "CO-50", GroupCode: "CO", ReasonCode: "50", Category: "medical_necessity", Severity: claims.SeverityHard, Description: "Non-covered service deemed not medically necessary", Weight: 4},
	{Code: "CO-97", GroupCode: "CO", ReasonCode: "97", Category: "bundling", Severity: claims.SeverityHard, Description: "Benefit for this service is included in another service already adjudicated", Weight: 3},
	{Code: "PI-22", GroupCode: "PI", ReasonCode: "22", Category: "coordination_of_benefits", Severity: claims.SeveritySoft, Description: "Payment adjusted for coordination of benefits", Weight: 2},
	{Code: "PI-45", GroupCode: "PI", ReasonCode: "45", Category: "contractual", Severity: claims.SeveritySoft, Description: "Charge exceeds fee schedule/maximum allowable amount", Weight: 6},
	{Code: "PI-109", GroupCode: "PI", ReasonCode: "109", Category: "eligibility", Severity: claims.SeverityHard, Description: "Claim not covered by this payer/contractor", Weight: 2},
	{Code: "OA-23", GroupCode: "OA", ReasonCode: "23", Category: "prior_payer", Severity: claims.SeverityAdministrative, Description: "Impact of prior payer adjudication not covered", Weight: 1},
	{Code: "OA-94", GroupCode: "OA", ReasonCode: "94", Category: "processing_fee", Severity: claims.SeverityAdministrative, Description: "Processing fee amount", Weight: 1},
	{Code: "CO-167", GroupCode: "CO", ReasonCode: "167", Category: "medical_necessity", Severity: claims.SeveritySoft, Description: "This diagnosis is not covered, missing, or invalid", Weight: 3},
}

// Select draws a denial reason from the catalogue weighted by Weight,
// restricted to preferredCategories when non-empty and satisfiable, falling
// back to the full catalogue when the filter would otherwise leave nothing
// selectable.
func Select(preferredCategories []string) Reason {
	pool := Catalogue
	if len(preferredCategories) > 0 {
		if filtered := filterByCategory(preferredCategories); len(filtered) > 0 {
			pool = filtered
		}
	}
	return weightedPick(pool)
}

func filterByCategory(categories []string) []Reason {
	return filterByCategoryIn(Catalogue, categories)
}

func filterByCategoryIn(pool []Reason, categories []string) []Reason {
	want := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		want[c] = struct{}{}
	}
	out := make([]Reason, 0, len(pool))
	for _, r := range pool {
		if _, ok := want[r.Category]; ok {
			out = append(out, r)
		}
	}
	return out
}

func filterBySeverity(severity claims.DenialSeverity) []Reason {
	out := make([]Reason, 0, len(Catalogue))
	for _, r := range Catalogue {
		if r.Severity == severity {
			out = append(out, r)
		}
	}
	return out
}

// SelectSeverity draws a denial reason restricted to severity (the payer
// engine's HARD/SOFT roll) and, within that, to
// preferredCategories when non-empty and satisfiable, falling back to the
// severity-only pool otherwise. The payer engine uses this instead of Select
// so that a reason's catalogued severity always agrees with the roll that
// produced it.
func SelectSeverity(preferredCategories []string, severity claims.DenialSeverity) Reason {
	pool := filterBySeverity(severity)
	if len(pool) == 0 {
		pool = Catalogue
	}
	if len(preferredCategories) > 0 {
		if filtered := filterByCategoryIn(pool, preferredCategories); len(filtered) > 0 {
			pool = filtered
		}
	}
	return weightedPick(pool)
}

func weightedPick(pool []Reason) Reason {
	var total float64
	for _, r := range pool {
		total += r.Weight
	}
	if total <= 0 {
		return pool[0]
	}
	target := randFloat64() * total
	var cum float64
	for _, r := range pool {
		cum += r.Weight
		if target < cum || math.Abs(target-cum) < 1e-9 {
			return r
		}
	}
	return pool[len(pool)-1]
}

// randFloat64 returns a cryptographically-seeded uniform float in [0, 1).
func randFloat64() float64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return float64(binary.BigEndian.Uint64(b[:])>>11) / (1 << 53)
}
