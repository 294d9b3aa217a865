package middleware_test

import (
	"strings"
	"testing"

	. "sidequest/pkg/api/middleware"
)

func TestValidator_ValidateJobID_AcceptsNormalIDs(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())

	tests := []string{
		"job-1",
		"repomix-1700000000123",
		"nightly_scan-42",
		"job-1-retry3",
		"ABC123",
	}

	for _, id := range tests {
		if err := v.ValidateJobID(id); err != nil {
			t.Errorf("expected job ID '%s' to be valid, got error: %v", id, err)
		}
	}
}

func TestValidator_ValidateJobID_RejectsBadCharacters(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())

	tests := []string{
		"job 1",
		"job/1",
		"../etc/passwd",
		"job;drop table jobs",
		"job\x00",
	}

	for _, id := range tests {
		if err := v.ValidateJobID(id); err == nil {
			t.Errorf("expected job ID '%s' to be rejected", id)
		}
	}
}

func TestValidator_ValidateJobID_RejectsEmpty(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())

	if err := v.ValidateJobID(""); err == nil {
		t.Error("expected empty job ID to be rejected")
	}
}

func TestValidator_ValidateJobID_RejectsTooLong(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())

	if err := v.ValidateJobID(strings.Repeat("a", 101)); err == nil {
		t.Error("expected 101-char job ID to be rejected")
	}
	if err := v.ValidateJobID(strings.Repeat("a", 100)); err != nil {
		t.Errorf("expected 100-char job ID to be valid, got error: %v", err)
	}
}

func TestValidator_ValidatePipelineID(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())

	for _, id := range []string{"repomix", "duplicate-detection", "schema-enhancement"} {
		if err := v.ValidatePipelineID(id); err != nil {
			t.Errorf("expected pipeline ID '%s' to be valid, got error: %v", id, err)
		}
	}

	if err := v.ValidatePipelineID("not a pipeline"); err == nil {
		t.Error("expected pipeline ID with spaces to be rejected")
	}
	if err := v.ValidatePipelineID(""); err == nil {
		t.Error("expected empty pipeline ID to be rejected")
	}
}

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{
		Field:   "jobId",
		Message: "is required",
	}

	expected := "jobId: is required"
	if err.Error() != expected {
		t.Errorf("expected '%s', got '%s'", expected, err.Error())
	}
}
