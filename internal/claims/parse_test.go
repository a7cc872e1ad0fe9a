// Copyright 2025 James Ross
package claims

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validClaimJSON() string {
	return `{
		"claim_id": "C1",
		"place_of_service": "11",
		"insurance": {"payer_id": "medicare", "patient_member_id": "M1"},
		"patient": {"name": "Jane Doe", "gender": "f", "dob": "1980-01-02"},
		"organization": {"name": "Acme Clinic"},
		"rendering_provider": {"name": "Dr. Smith", "npi": "1234567890"},
		"service_lines": [
			{"service_line_id": "L1", "procedure_code": "99213", "units": 1, "unit_charge_amount": 100.0, "currency": "USD"}
		]
	}`
}

func TestParseValidClaim(t *testing.T) {
	c, err := Parse([]byte(validClaimJSON()))
	require.NoError(t, err)
	require.Equal(t, "C1", c.ClaimID)
	require.Equal(t, 100.0, c.TotalBilledAmount())
}

func TestParseMalformedJSON(t *testing.T) {
	_, err := Parse([]byte(`{not json`))
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, KindSchema, pe.Kind)
}

func TestParseUnknownPayerIsSchemaError(t *testing.T) {
	_, err := Parse([]byte(`{
		"claim_id": "C1", "place_of_service": "11",
		"insurance": {"payer_id": "aetna", "patient_member_id": "M1"},
		"patient": {"name": "Jane Doe", "gender": "f", "dob": "1980-01-02"},
		"organization": {"name": "Acme"},
		"rendering_provider": {"name": "Dr. Smith", "npi": "1234567890"},
		"service_lines": [{"service_line_id": "L1", "procedure_code": "1", "units": 1, "unit_charge_amount": 1, "currency": "USD"}]
	}`))
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, KindSchema, pe.Kind)
}

func TestParseNoServiceLinesIsSchemaError(t *testing.T) {
	_, err := Parse([]byte(`{
		"claim_id": "C1", "place_of_service": "11",
		"insurance": {"payer_id": "medicare", "patient_member_id": "M1"},
		"patient": {"name": "Jane Doe", "gender": "f", "dob": "1980-01-02"},
		"organization": {"name": "Acme"},
		"rendering_provider": {"name": "Dr. Smith", "npi": "1234567890"},
		"service_lines": []
	}`))
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, KindSchema, pe.Kind) // validator's min=1 catches this before business-rule check
}

func TestParseBadDOB(t *testing.T) {
	_, err := Parse([]byte(`{
		"claim_id": "C1", "place_of_service": "11",
		"insurance": {"payer_id": "medicare", "patient_member_id": "M1"},
		"patient": {"name": "Jane Doe", "gender": "f", "dob": "01/02/1980"},
		"organization": {"name": "Acme"},
		"rendering_provider": {"name": "Dr. Smith", "npi": "1234567890"},
		"service_lines": [{"service_line_id": "L1", "procedure_code": "1", "units": 1, "unit_charge_amount": 1, "currency": "USD"}]
	}`))
	require.Error(t, err)
}

func TestParseBadNPI(t *testing.T) {
	_, err := Parse([]byte(`{
		"claim_id": "C1", "place_of_service": "11",
		"insurance": {"payer_id": "medicare", "patient_member_id": "M1"},
		"patient": {"name": "Jane Doe", "gender": "f", "dob": "1980-01-02"},
		"organization": {"name": "Acme"},
		"rendering_provider": {"name": "Dr. Smith", "npi": "123"},
		"service_lines": [{"service_line_id": "L1", "procedure_code": "1", "units": 1, "unit_charge_amount": 1, "currency": "USD"}]
	}`))
	require.Error(t, err)
}
