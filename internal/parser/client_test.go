package parser

import "testing"

func TestSplitPages(t *testing.T) {
	testCases := []struct {
		name     string
		markdown string
		want     []string
	}{
		{
			name:     "single page",
			markdown: "# Title\n\nBody text",
			want:     []string{"# Title\n\nBody text"},
		},
		{
			name:     "two pages",
			markdown: "page one\n---\npage two",
			want:     []string{"page one", "page two"},
		},
		{
			name:     "pages are trimmed",
			markdown: "  page one  \n---\n\n\npage two\n",
			want:     []string{"page one", "page two"},
		},
		{
			name:     "empty pages dropped",
			markdown: "page one\n---\n\n---\npage three",
			want:     []string{"page one", "page three"},
		},
		{
			name:     "empty input",
			markdown: "",
			want:     nil,
		},
		{
			name:     "only separators",
			markdown: "\n---\n\n---\n",
			want:     nil,
		},
		{
			name:     "inline dashes are not separators",
			markdown: "a --- b",
			want:     []string{"a --- b"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := SplitPages(tc.markdown)
			if len(got) != len(tc.want) {
				t.Fatalf("SplitPages produced %d pages, want %d: %q", len(got), len(tc.want), got)
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Errorf("Page %d = %q, want %q", i, got[i], tc.want[i])
				}
			}
		})
	}
}
