// Package validator checks ingestion submissions before any pipeline work
// starts. Violations are collected per field so the client sees every problem
// at once.
package validator

import (
	"fmt"
	"sort"
	"strings"
)

// maxTitleRunes caps note titles at the schema limit.
const maxTitleRunes = 200

// ValidationError aggregates per-field failures of one submission.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "invalid submission: " + strings.Join(parts, "; ")
}

// Submission is the decoded multipart form of an ingestion request.
type Submission struct {
	Title             string
	Filename          string
	DocumentSize      int64
	Mode              string
	CreateNewCategory bool
	NewCategoryName   string
	CategoryID        int64
}

// Validate returns nil or a *ValidationError covering every failed field.
func Validate(s Submission) error {
	fields := make(map[string]string)

	if strings.TrimSpace(s.Title) == "" {
		fields["noteTitle"] = "is required"
	} else if len([]rune(s.Title)) > maxTitleRunes {
		fields["noteTitle"] = fmt.Sprintf("exceeds %d characters", maxTitleRunes)
	}

	if s.DocumentSize == 0 {
		fields["file"] = "is required and must not be empty"
	}

	switch m := strings.ToUpper(strings.TrimSpace(s.Mode)); m {
	case "", "FULL", "SIMPLE":
	default:
		fields["mode"] = fmt.Sprintf("unknown mode %q", s.Mode)
	}

	if s.CreateNewCategory {
		if strings.TrimSpace(s.NewCategoryName) == "" {
			fields["newCategoryName"] = "is required when creating a category"
		}
	} else if s.CategoryID <= 0 {
		fields["existingCategoryId"] = "is required"
	}

	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}
