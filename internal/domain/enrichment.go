package domain

import "strings"

// PageAnalysis holds the model-generated annotations for a single page.
// All five fields are required in the model output; Tags is the only array.
type PageAnalysis struct {
	PreliminaryAnswer1    string   `json:"preliminary_answer_1"`
	PreliminaryAnswer2    string   `json:"preliminary_answer_2"`
	Tags                  []string `json:"tags"`
	HypotheticalQuestion1 string   `json:"hypothetical_question_1"`
	HypotheticalQuestion2 string   `json:"hypothetical_question_2"`
}

// IsEmpty reports whether the analysis carries no content, which happens when
// enrichment timed out or failed and the pipeline fell back to an empty result.
func (a *PageAnalysis) IsEmpty() bool {
	if a == nil {
		return true
	}
	return a.PreliminaryAnswer1 == "" && a.PreliminaryAnswer2 == "" &&
		len(a.Tags) == 0 && a.HypotheticalQuestion1 == "" && a.HypotheticalQuestion2 == ""
}

// Summary flattens the analysis into the text block appended to a page's
// embedding input: both answers, the joined tag list, and both questions.
func (a *PageAnalysis) Summary() string {
	if a.IsEmpty() {
		return ""
	}
	parts := []string{
		a.PreliminaryAnswer1,
		a.PreliminaryAnswer2,
		strings.Join(a.Tags, ", "),
		a.HypotheticalQuestion1,
		a.HypotheticalQuestion2,
	}
	return strings.Join(parts, "\n")
}

// TokenUsage tracks prompt/completion token counts reported by the model
// provider. Used for observability only, never for control flow.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Add accumulates another usage report into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
}
