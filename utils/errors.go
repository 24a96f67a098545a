package utils

import (
	"errors"
	"fmt"
)

// VeilError is a coded error. Two VeilErrors match with errors.Is when their codes are equal,
// whatever their details.
type VeilError struct {
	Code        string
	Description string
	Details     string
}

var knownErrors = Set[string]{}

// NewVeilError registers a new error code. Registering the same code twice panics.
func NewVeilError(code string, description string) VeilError {
	if knownErrors.Has(code) {
		panic("Duplicate error: " + code)
	}
	knownErrors.Add(code)
	return VeilError{
		Code:        code,
		Description: description,
	}
}

func (err VeilError) Error() string {
	var text = err.Code
	if err.Description != "" {
		text = text + " - " + err.Description
	}
	if err.Details != "" {
		text = text + " : " + err.Details
	}
	return text
}

func (err VeilError) Is(target error) bool {
	var veilErrorTarget VeilError
	if errors.As(target, &veilErrorTarget) {
		return veilErrorTarget.Code == err.Code
	}
	return false
}

func (err VeilError) AddDetails(details string) VeilError {
	if err.Details != "" {
		panic("Cannot re-add details to an error")
	}
	newErr := err
	newErr.Details = details
	return newErr
}

// APIError is returned when a channel server answers with an unexpected status.
// Two APIErrors match with errors.Is when their status and code are equal.
type APIError struct {
	Status  int
	Url     string
	Method  string
	Code    string
	Details string
	Raw     string
}

func (err APIError) Error() string {
	s := fmt.Sprintf("API Error: status: %d", err.Status)
	if err.Code != "" {
		s += "; code: " + err.Code
	}
	if err.Details != "" {
		s += "; details: " + err.Details
	}
	if err.Url != "" {
		s += "; URL: " + err.Url
	}
	if err.Method != "" {
		s += "; Method: " + err.Method
	}
	if err.Raw != "" {
		s += "; raw: " + err.Raw
	}
	return s
}

func (err APIError) Is(target error) bool {
	var apiErrorTarget APIError
	if errors.As(target, &apiErrorTarget) {
		return apiErrorTarget.Status == err.Status && apiErrorTarget.Code == err.Code
	}
	return false
}
