// Copyright 2025 James Ross
package claims

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrorKind distinguishes a malformed/schema-invalid record from a record
// that parses but violates a business invariant.
type ErrorKind int

const (
	KindSchema ErrorKind = iota
	KindSemantic
)

// ParseError is returned by Parse. It is never retryable.
type ParseError struct {
	Kind ErrorKind
	Err  error
}

func (e *ParseError) Error() string { return e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

var dobPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	return v
}

// Parse decodes one NDJSON line into a PayerClaim, running struct-tag
// validation followed by the business invariants that validator tags can't
// express.
//
// Parse is the single entry point for claim decoding: a statically-typed
// record definition plus one parse function producing (record | error).
func Parse(line []byte) (PayerClaim, error) {
	var c PayerClaim
	if err := json.Unmarshal(line, &c); err != nil {
		return PayerClaim{}, &ParseError{Kind: KindSchema, Err: fmt.Errorf("malformed claim json: %w", err)}
	}
	if err := validate.Struct(c); err != nil {
		return PayerClaim{}, &ParseError{Kind: KindSchema, Err: fmt.Errorf("claim schema invalid: %w", err)}
	}
	if !dobPattern.MatchString(c.Patient.DOB) {
		return PayerClaim{}, &ParseError{Kind: KindSchema, Err: fmt.Errorf("patient dob %q is not YYYY-MM-DD", c.Patient.DOB)}
	}
	if _, err := time.Parse("2006-01-02", c.Patient.DOB); err != nil {
		return PayerClaim{}, &ParseError{Kind: KindSchema, Err: fmt.Errorf("patient dob %q is not a valid calendar date: %w", c.Patient.DOB, err)}
	}
	if len(c.ServiceLines) == 0 {
		return PayerClaim{}, &ParseError{Kind: KindSemantic, Err: fmt.Errorf("claim %s has no service lines", c.ClaimID)}
	}
	for _, l := range c.ServiceLines {
		if l.Units <= 0 {
			return PayerClaim{}, &ParseError{Kind: KindSemantic, Err: fmt.Errorf("claim %s line %s has non-positive units", c.ClaimID, l.ServiceLineID)}
		}
		if l.UnitChargeAmount < 0 {
			return PayerClaim{}, &ParseError{Kind: KindSemantic, Err: fmt.Errorf("claim %s line %s has negative unit charge", c.ClaimID, l.ServiceLineID)}
		}
	}
	return c, nil
}
