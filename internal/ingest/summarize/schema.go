package summarize

import (
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/mynote-app/notepipe/pkg/errors"
)

// MaxSectionTitleRunes is the hard cap on section titles, counted in Unicode
// codepoints so multi-byte scripts are not cut mid-character.
const MaxSectionTitleRunes = 12

// DocumentSummary is the structured payload the provider must return.
type DocumentSummary struct {
	DocumentSummary []SummaryFragment `json:"documentSummary"`
	Sections        []Section         `json:"sections"`
	PageDetails     []PageDetail      `json:"pageDetails"`
}

// SummaryFragment is one piece of the overall document summary.
type SummaryFragment struct {
	OverallSummaryMd string `json:"overallSummaryMd"`
}

// Section is one table-of-contents entry covering a page range.
type Section struct {
	Title            string `json:"title"`
	StartPage        int    `json:"startPage"`
	EndPage          int    `json:"endPage"`
	ContentSummaryMd string `json:"contentSummaryMd"`
}

// PageDetail is the generated annotation for a single page.
type PageDetail struct {
	PageNumber            int    `json:"pageNumber"`
	DetailedExplanationMd string `json:"detailedExplanationMd"`
}

// parseAndValidate decodes raw provider output and enforces the response
// structure. Any violation is a hard failure; nothing is coerced or partially
// accepted.
func parseAndValidate(raw string) (*DocumentSummary, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, apperrors.New(apperrors.ErrBadAIResponse, 502, "provider returned an empty response")
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	var out DocumentSummary
	if err := dec.Decode(&out); err != nil {
		return nil, apperrors.Newf(apperrors.ErrBadAIResponse, 502, "unparseable response: %v", err)
	}

	if out.DocumentSummary == nil {
		return nil, schemaErr("documentSummary is missing")
	}
	if out.Sections == nil {
		return nil, schemaErr("sections is missing")
	}
	if out.PageDetails == nil {
		return nil, schemaErr("pageDetails is missing")
	}
	for i, s := range out.Sections {
		if strings.TrimSpace(s.Title) == "" {
			return nil, schemaErr(fmt.Sprintf("sections[%d].title is blank", i))
		}
		if s.StartPage < 1 {
			return nil, schemaErr(fmt.Sprintf("sections[%d].startPage = %d, must be >= 1", i, s.StartPage))
		}
		if s.EndPage < s.StartPage {
			return nil, schemaErr(fmt.Sprintf("sections[%d] range %d..%d is inverted", i, s.StartPage, s.EndPage))
		}
	}
	for i, p := range out.PageDetails {
		if p.PageNumber < 1 {
			return nil, schemaErr(fmt.Sprintf("pageDetails[%d].pageNumber = %d, must be >= 1", i, p.PageNumber))
		}
	}
	return &out, nil
}

func schemaErr(detail string) error {
	return apperrors.Newf(apperrors.ErrBadAIResponse, 502, "schema violation: %s", detail)
}

// responseSchema is the JSON schema sent with every request so the provider
// emits machine-parseable output instead of free text.
func responseSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []string{"documentSummary", "sections", "pageDetails"},
		"properties": map[string]any{
			"documentSummary": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"required":             []string{"overallSummaryMd"},
					"properties": map[string]any{
						"overallSummaryMd": map[string]any{"type": "string"},
					},
				},
			},
			"sections": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"required":             []string{"title", "startPage", "endPage", "contentSummaryMd"},
					"properties": map[string]any{
						"title":            map[string]any{"type": "string", "maxLength": MaxSectionTitleRunes},
						"startPage":        map[string]any{"type": "integer", "minimum": 1},
						"endPage":          map[string]any{"type": "integer", "minimum": 1},
						"contentSummaryMd": map[string]any{"type": "string"},
					},
				},
			},
			"pageDetails": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"required":             []string{"pageNumber", "detailedExplanationMd"},
					"properties": map[string]any{
						"pageNumber":            map[string]any{"type": "integer", "minimum": 1},
						"detailedExplanationMd": map[string]any{"type": "string"},
					},
				},
			},
		},
	}
}
