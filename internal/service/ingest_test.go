package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smartace-venus/docpipe/internal/domain"
	"github.com/smartace-venus/docpipe/internal/repository"
)

type fakeEnricher struct {
	mu            sync.Mutex
	analyzeCalls  int
	metadataInput string
	analyzeErr    func(content string) error
}

func (f *fakeEnricher) Analyze(ctx context.Context, content string, docCtx DocumentContext, userID string) (*domain.PageAnalysis, domain.TokenUsage, error) {
	f.mu.Lock()
	f.analyzeCalls++
	f.mu.Unlock()
	if f.analyzeErr != nil {
		if err := f.analyzeErr(content); err != nil {
			return nil, domain.TokenUsage{PromptTokens: 1}, err
		}
	}
	return &domain.PageAnalysis{
		PreliminaryAnswer1:    "answer one",
		PreliminaryAnswer2:    "answer two",
		Tags:                  []string{"tag"},
		HypotheticalQuestion1: "q1",
		HypotheticalQuestion2: "q2",
	}, domain.TokenUsage{PromptTokens: 10, CompletionTokens: 5}, nil
}

func (f *fakeEnricher) DeriveDocumentMetadata(ctx context.Context, content, userID string) (*domain.DocumentMetadata, domain.TokenUsage) {
	f.mu.Lock()
	f.metadataInput = content
	f.mu.Unlock()
	return &domain.DocumentMetadata{
		DescriptiveTitle: "Annual Report",
		ShortDescription: "A report",
		MainTopics:       []string{"finance"},
		KeyEntities:      []string{"Acme"},
		PrimaryLanguage:  "en",
	}, domain.TokenUsage{PromptTokens: 3}
}

type fakeEmbedder struct {
	mu       sync.Mutex
	calls    int
	embedErr func(text string) error
	delay    time.Duration
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.embedErr != nil {
		if err := f.embedErr(text); err != nil {
			return nil, err
		}
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakePageStore struct {
	mu      sync.Mutex
	batches [][]domain.PageRecord
	err     error
}

func (f *fakePageStore) UpsertBatch(ctx context.Context, records []domain.PageRecord) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	batch := make([]domain.PageRecord, len(records))
	copy(batch, records)
	f.batches = append(f.batches, batch)
	return len(records), nil
}

func (f *fakePageStore) allRecords() []domain.PageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []domain.PageRecord
	for _, b := range f.batches {
		all = append(all, b...)
	}
	return all
}

func makePages(n int) []string {
	pages := make([]string, n)
	for i := range pages {
		pages[i] = fmt.Sprintf("page %d content", i+1)
	}
	return pages
}

func TestSamplePages(t *testing.T) {
	testCases := []struct {
		name  string
		count int
		want  []int // expected 1-based page numbers in the sample
	}{
		{"single page", 1, []int{1}},
		{"nineteen pages takes all", 19, rangeInts(1, 19)},
		{"twenty pages samples ends", 20, append(rangeInts(1, 10), rangeInts(11, 20)...)},
		{"twenty five pages", 25, append(rangeInts(1, 10), rangeInts(16, 25)...)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pages := makePages(tc.count)
			sample := SamplePages(pages)

			if len(sample) != len(tc.want) {
				t.Fatalf("Sample size = %d, want %d", len(sample), len(tc.want))
			}
			for i, pageNum := range tc.want {
				want := fmt.Sprintf("page %d content", pageNum)
				if sample[i] != want {
					t.Errorf("sample[%d] = %q, want %q", i, sample[i], want)
				}
			}
		})
	}
}

func rangeInts(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func TestSanitizeFilename(t *testing.T) {
	testCases := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "report.pdf", "report.pdf"},
		{"spaces", "annual report 2024.pdf", "annual_report_2024.pdf"},
		{"special chars", "a/b\\c:d?.pdf", "a_b_c_d_.pdf"},
		{"repeated separators", "a   ///  b.pdf", "a_b.pdf"},
		{"leading trailing", "  report  ", "report"},
		{"diacritics", "Ärsrapport.pdf", "A_rsrapport.pdf"},
		{"keeps dots and dashes", "my-file.v2.pdf", "my-file.v2.pdf"},
	}

	allowed := regexp.MustCompile(`^[A-Za-z0-9._-]*$`)

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := SanitizeFilename(tc.input)
			if got != tc.want {
				t.Errorf("SanitizeFilename(%q) = %q, want %q", tc.input, got, tc.want)
			}
			if !allowed.MatchString(got) {
				t.Errorf("Output %q contains disallowed characters", got)
			}
			if again := SanitizeFilename(got); again != got {
				t.Errorf("Not idempotent: %q -> %q", got, again)
			}
			if strings.HasPrefix(got, "_") || strings.HasSuffix(got, "_") || strings.Contains(got, "__") {
				t.Errorf("Output %q has edge or duplicate underscores", got)
			}
		})
	}
}

func TestFilterTag(t *testing.T) {
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	got := FilterTag("annual report.pdf", now)
	want := "annual_report.pdf[[2024-03-15]]"
	if got != want {
		t.Errorf("FilterTag = %q, want %q", got, want)
	}
}

func TestCompositeText(t *testing.T) {
	metadata := &domain.DocumentMetadata{
		DescriptiveTitle: "Report",
		ShortDescription: "Desc",
		MainTopics:       []string{"a", "b"},
		KeyEntities:      []string{"x"},
	}

	full := CompositeText("body text", &domain.PageAnalysis{
		PreliminaryAnswer1:    "ans1",
		PreliminaryAnswer2:    "ans2",
		Tags:                  []string{"t"},
		HypotheticalQuestion1: "q1",
		HypotheticalQuestion2: "q2",
	}, 3, 25, "file.pdf", "2024-03-15", metadata)

	for _, want := range []string{
		"File Name: file.pdf", "Date: 2024-03-15", "Page: 3 of 25",
		"Title: Report", "Description: Desc", "Main Topics: a, b",
		"Key Entities: x", "Content:\nbody text", "Preliminary Analysis:",
		"ans1", "q2",
	} {
		if !strings.Contains(full, want) {
			t.Errorf("Composite text missing %q", want)
		}
	}

	reduced := CompositeText("body text", &domain.PageAnalysis{}, 3, 25, "file.pdf", "2024-03-15", metadata)
	if strings.Contains(reduced, "Preliminary Analysis") {
		t.Error("Reduced composite should not contain an analysis section")
	}
	if strings.Contains(reduced, "Key Entities") {
		t.Error("Reduced composite should not contain document detail lines")
	}
	if !strings.Contains(reduced, "Content:\nbody text") {
		t.Error("Reduced composite missing raw content")
	}
}

// TestIngestEndToEnd runs a 25-page document through the pipeline with fakes
// and checks the run summary, record shape, and call counts.
func TestIngestEndToEnd(t *testing.T) {
	enricher := &fakeEnricher{}
	embedder := &fakeEmbedder{}
	store := &fakePageStore{}

	svc := NewIngestService(enricher, embedder, store, nil, IngestConfig{}, nil)

	result, err := svc.Ingest(context.Background(), makePages(25), "Annual Report 2024.pdf", "user-1")
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	wantTag := "Annual_Report_2024.pdf[[" + time.Now().UTC().Format("2006-01-02") + "]]"
	if result.FilterTag != wantTag {
		t.Errorf("FilterTag = %q, want %q", result.FilterTag, wantTag)
	}
	if result.TotalPages != 25 || result.PagesPersisted != 25 || result.PagesSkipped != 0 {
		t.Errorf("Counts = total %d, persisted %d, skipped %d; want 25/25/0",
			result.TotalPages, result.PagesPersisted, result.PagesSkipped)
	}

	if enricher.analyzeCalls != 25 {
		t.Errorf("Analyze called %d times, want 25", enricher.analyzeCalls)
	}
	if embedder.calls != 25 {
		t.Errorf("Embed called %d times, want 25", embedder.calls)
	}

	// Metadata was derived from the 20-page end sample.
	if !strings.Contains(enricher.metadataInput, "page 1 content") ||
		!strings.Contains(enricher.metadataInput, "page 25 content") {
		t.Error("Metadata sample missing boundary pages")
	}
	if strings.Contains(enricher.metadataInput, "page 12 content") {
		t.Error("Metadata sample should not include middle pages")
	}

	records := store.allRecords()
	if len(records) != 25 {
		t.Fatalf("Persisted %d records, want 25", len(records))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].PageNumber < records[j].PageNumber })
	for i, r := range records {
		if r.PageNumber != i+1 {
			t.Errorf("Record %d has page number %d", i, r.PageNumber)
		}
		if r.ChunkNumber != 1 || r.TotalChunks != 1 {
			t.Errorf("Page %d chunk numbering = %d/%d, want 1/1", r.PageNumber, r.ChunkNumber, r.TotalChunks)
		}
		if r.UserID != "user-1" || r.Title != "Annual Report 2024.pdf" || r.TotalPages != 25 {
			t.Errorf("Page %d has wrong identity fields: %+v", r.PageNumber, r)
		}
		if r.FilterTags != result.FilterTag {
			t.Errorf("Page %d filter tag = %q", r.PageNumber, r.FilterTags)
		}
		if r.AITitle != "Annual Report" || r.PrimaryLanguage != "en" {
			t.Errorf("Page %d missing document metadata: %+v", r.PageNumber, r)
		}
		if vec, err := r.EmbeddingVector(); err != nil || len(vec) != 3 {
			t.Errorf("Page %d embedding not stored: %v %v", r.PageNumber, vec, err)
		}
	}
}

// TestIngestEnrichmentFailureSkipsPage verifies a hard enrichment failure
// skips only the affected page.
func TestIngestEnrichmentFailureSkipsPage(t *testing.T) {
	enricher := &fakeEnricher{
		analyzeErr: func(content string) error {
			if strings.Contains(content, "page 3 ") {
				return NewProviderError("generation", errors.New("timeout"))
			}
			return nil
		},
	}
	embedder := &fakeEmbedder{}
	store := &fakePageStore{}

	svc := NewIngestService(enricher, embedder, store, nil, IngestConfig{}, nil)
	result, err := svc.Ingest(context.Background(), makePages(5), "doc.pdf", "user-1")
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	if result.PagesPersisted != 4 || result.PagesSkipped != 1 {
		t.Errorf("Persisted %d, skipped %d; want 4/1", result.PagesPersisted, result.PagesSkipped)
	}
	for _, r := range store.allRecords() {
		if r.PageNumber == 3 {
			t.Error("Failed page was persisted")
		}
	}
}

// TestIngestSchemaViolationKeepsPage verifies a schema violation degrades to
// an un-enriched page instead of skipping it.
func TestIngestSchemaViolationKeepsPage(t *testing.T) {
	enricher := &fakeEnricher{
		analyzeErr: func(content string) error {
			if strings.Contains(content, "page 2 ") {
				return &SchemaViolation{Missing: []string{"tags"}}
			}
			return nil
		},
	}
	store := &fakePageStore{}

	svc := NewIngestService(enricher, &fakeEmbedder{}, store, nil, IngestConfig{}, nil)
	result, err := svc.Ingest(context.Background(), makePages(3), "doc.pdf", "user-1")
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	if result.PagesPersisted != 3 || result.PagesSkipped != 0 {
		t.Errorf("Persisted %d, skipped %d; want 3/0", result.PagesPersisted, result.PagesSkipped)
	}
}

// TestIngestEmbeddingFailureSkipsPage verifies an embedding provider error
// skips only the affected page.
func TestIngestEmbeddingFailureSkipsPage(t *testing.T) {
	embedder := &fakeEmbedder{
		embedErr: func(text string) error {
			if strings.Contains(text, "page 4 ") {
				return NewProviderError("embedding", errors.New("boom"))
			}
			return nil
		},
	}
	store := &fakePageStore{}

	svc := NewIngestService(&fakeEnricher{}, embedder, store, nil, IngestConfig{}, nil)
	result, err := svc.Ingest(context.Background(), makePages(5), "doc.pdf", "user-1")
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	if result.PagesPersisted != 4 || result.PagesSkipped != 1 {
		t.Errorf("Persisted %d, skipped %d; want 4/1", result.PagesPersisted, result.PagesSkipped)
	}
}

// TestIngestUpsertFailureCounted verifies a failing sub-batch is surfaced in
// the result instead of failing the run.
func TestIngestUpsertFailureCounted(t *testing.T) {
	store := &fakePageStore{err: errors.New("db down")}

	svc := NewIngestService(&fakeEnricher{}, &fakeEmbedder{}, store, nil, IngestConfig{}, nil)
	result, err := svc.Ingest(context.Background(), makePages(3), "doc.pdf", "user-1")
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if result.UpsertFailures != 1 {
		t.Errorf("UpsertFailures = %d, want 1", result.UpsertFailures)
	}
	if result.PagesPersisted != 0 {
		t.Errorf("PagesPersisted = %d, want 0", result.PagesPersisted)
	}
}

// TestIngestDeadline verifies the overall deadline aborts the run with the
// dedicated timeout error.
func TestIngestDeadline(t *testing.T) {
	embedder := &fakeEmbedder{delay: 200 * time.Millisecond}
	store := &fakePageStore{}

	svc := NewIngestService(&fakeEnricher{}, embedder, store, nil, IngestConfig{
		Deadline: 30 * time.Millisecond,
	}, nil)

	_, err := svc.Ingest(context.Background(), makePages(3), "doc.pdf", "user-1")
	if !errors.Is(err, ErrIngestTimeout) {
		t.Errorf("Expected ErrIngestTimeout, got %v", err)
	}
}

func TestIngestValidation(t *testing.T) {
	svc := NewIngestService(&fakeEnricher{}, &fakeEmbedder{}, &fakePageStore{}, nil, IngestConfig{}, nil)

	if _, err := svc.Ingest(context.Background(), nil, "doc.pdf", "user-1"); !IsValidation(err) {
		t.Errorf("Expected validation error for empty pages, got %v", err)
	}
	if _, err := svc.Ingest(context.Background(), makePages(1), "doc.pdf", ""); !IsValidation(err) {
		t.Errorf("Expected validation error for missing user, got %v", err)
	}
}

func TestPagePointIDDeterministic(t *testing.T) {
	id1 := repository.PagePointID("u", "t", "2024-03-15", 1, 1)
	id2 := repository.PagePointID("u", "t", "2024-03-15", 1, 1)
	id3 := repository.PagePointID("u", "t", "2024-03-15", 2, 1)

	if id1 != id2 {
		t.Errorf("Same key produced different IDs: %s != %s", id1, id2)
	}
	if id1 == id3 {
		t.Errorf("Different pages produced the same ID: %s", id1)
	}
	if len(id1) != 36 {
		t.Errorf("Invalid UUID length: %d", len(id1))
	}
}
