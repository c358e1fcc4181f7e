package service

import (
	"errors"
	"sort"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/smartace-venus/docpipe/internal/domain"
)

func TestParsePageAnalysis(t *testing.T) {
	valid := `{
		"preliminary_answer_1": "a1",
		"preliminary_answer_2": "a2",
		"tags": ["x", "y"],
		"hypothetical_question_1": "q1",
		"hypothetical_question_2": "q2"
	}`

	analysis, err := parsePageAnalysis(valid)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if analysis.PreliminaryAnswer1 != "a1" || analysis.HypotheticalQuestion2 != "q2" {
		t.Errorf("Fields not populated: %+v", analysis)
	}
	if len(analysis.Tags) != 2 {
		t.Errorf("Tags = %v, want 2 entries", analysis.Tags)
	}
}

func TestParsePageAnalysisMissingFields(t *testing.T) {
	raw := `{"preliminary_answer_1": "a1", "tags": []}`

	_, err := parsePageAnalysis(raw)
	if !IsSchemaViolation(err) {
		t.Fatalf("Expected SchemaViolation, got %v", err)
	}

	var sv *SchemaViolation
	if !errors.As(err, &sv) {
		t.Fatal("Error does not unwrap to SchemaViolation")
	}
	want := []string{"hypothetical_question_1", "hypothetical_question_2", "preliminary_answer_2"}
	got := append([]string(nil), sv.Missing...)
	sort.Strings(got)
	if len(got) != len(want) {
		t.Fatalf("Missing = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Missing = %v, want %v", got, want)
			break
		}
	}
}

func TestParsePageAnalysisInvalidJSON(t *testing.T) {
	for _, raw := range []string{"", "not json", "[1,2,3]", `{"tags": "not-an-array"`} {
		if _, err := parsePageAnalysis(raw); !IsSchemaViolation(err) {
			t.Errorf("parsePageAnalysis(%q) error = %v, want SchemaViolation", raw, err)
		}
	}
}

func TestExtractJSON(t *testing.T) {
	testCases := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", `{"a": 1}`, `{"a": 1}`},
		{"whitespace", "  {\"a\": 1}\n", `{"a": 1}`},
		{"fenced", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"fenced json", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := extractJSON(tc.input); got != tc.want {
				t.Errorf("extractJSON(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestParseDocumentMetadata(t *testing.T) {
	valid := `{
		"descriptiveTitle": "Report",
		"shortDescription": "Desc",
		"mainTopics": ["a"],
		"keyEntities": ["b"],
		"primaryLanguage": "sv"
	}`

	md, err := parseDocumentMetadata(valid)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if md.DescriptiveTitle != "Report" || md.PrimaryLanguage != "sv" {
		t.Errorf("Fields not populated: %+v", md)
	}

	if _, err := parseDocumentMetadata(`{"descriptiveTitle": "Report"}`); !IsSchemaViolation(err) {
		t.Errorf("Expected SchemaViolation for missing fields, got %v", err)
	}
}

func TestFallbackMetadata(t *testing.T) {
	longLine := strings.Repeat("t", 150)
	body := longLine + "\n" + strings.Repeat("b", 300)

	md := fallbackMetadata(body)
	if len(md.DescriptiveTitle) != 100 {
		t.Errorf("Title length = %d, want 100", len(md.DescriptiveTitle))
	}
	if !strings.HasSuffix(md.ShortDescription, "...") {
		t.Errorf("Description missing ellipsis: %q", md.ShortDescription)
	}
	if len(md.ShortDescription) > 203 {
		t.Errorf("Description too long: %d", len(md.ShortDescription))
	}
	if md.PrimaryLanguage != "en" {
		t.Errorf("Language = %q, want en", md.PrimaryLanguage)
	}

	empty := fallbackMetadata("")
	if empty.DescriptiveTitle != "Untitled Document" {
		t.Errorf("Empty-content title = %q", empty.DescriptiveTitle)
	}
}

// TestFallbackMetadataMultibyte verifies truncation never splits a multibyte
// UTF-8 sequence.
func TestFallbackMetadataMultibyte(t *testing.T) {
	body := strings.Repeat("å", 150) + "\n" + strings.Repeat("ö", 300)

	md := fallbackMetadata(body)
	if !utf8.ValidString(md.DescriptiveTitle) {
		t.Errorf("Title is not valid UTF-8: %q", md.DescriptiveTitle)
	}
	if !utf8.ValidString(md.ShortDescription) {
		t.Errorf("Description is not valid UTF-8: %q", md.ShortDescription)
	}
	if got := utf8.RuneCountInString(md.DescriptiveTitle); got != 100 {
		t.Errorf("Title rune count = %d, want 100", got)
	}
	if got := utf8.RuneCountInString(md.ShortDescription); got != 203 {
		t.Errorf("Description rune count = %d, want 203", got)
	}
}

func TestPageAnalysisSummary(t *testing.T) {
	full := &domain.PageAnalysis{
		PreliminaryAnswer1:    "a1",
		PreliminaryAnswer2:    "a2",
		Tags:                  []string{"x", "y"},
		HypotheticalQuestion1: "q1",
		HypotheticalQuestion2: "q2",
	}
	summary := full.Summary()
	for _, want := range []string{"a1", "a2", "x, y", "q1", "q2"} {
		if !strings.Contains(summary, want) {
			t.Errorf("Summary missing %q: %q", want, summary)
		}
	}

	if (&domain.PageAnalysis{}).Summary() != "" {
		t.Error("Empty analysis should produce an empty summary")
	}
	var nilAnalysis *domain.PageAnalysis
	if !nilAnalysis.IsEmpty() {
		t.Error("Nil analysis should report empty")
	}
}
