package chunk_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/bdobrica/halbot/common/chunk"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name  string
		input string
		limit int
		want  []string
	}{
		{name: "empty", input: "", limit: 5, want: nil},
		{name: "shorter than limit", input: "abc", limit: 5, want: []string{"abc"}},
		{name: "exactly limit", input: "abcde", limit: 5, want: []string{"abcde"}},
		{name: "one over", input: "abcdef", limit: 5, want: []string{"abcde", "f"}},
		{name: "even multiple", input: "abcdef", limit: 2, want: []string{"ab", "cd", "ef"}},
		{name: "limit one", input: "abc", limit: 1, want: []string{"a", "b", "c"}},
		{name: "multi-byte", input: "héllo wörld", limit: 4, want: []string{"héll", "o wö", "rld"}},
		{name: "emoji", input: "🙂🙃🙂🙃🙂", limit: 2, want: []string{"🙂🙃", "🙂🙃", "🙂"}},
		{name: "zero limit disables", input: "abcdef", limit: 0, want: []string{"abcdef"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := chunk.Split(tt.input, tt.limit)
			if len(got) != len(tt.want) {
				t.Fatalf("Split(%q, %d) = %q, want %q", tt.input, tt.limit, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("segment %d: got %q, want %q", i, got[i], tt.want[i])
				}
			}
			if n := chunk.Count(tt.input, tt.limit); n != len(tt.want) {
				t.Errorf("Count = %d, want %d", n, len(tt.want))
			}
		})
	}
}

func TestSplit_RoundTrip(t *testing.T) {
	inputs := []string{
		strings.Repeat("a", 4999),
		strings.Repeat("日本語テキスト", 700),
		"mixed ascii and ünïcödé " + strings.Repeat("🙂", 2100),
		"\n\n\n  trailing whitespace   \n",
	}
	for _, in := range inputs {
		for _, limit := range []int{1, 7, 2000} {
			segments := chunk.Split(in, limit)
			if got := strings.Join(segments, ""); got != in {
				t.Fatalf("limit %d: round trip lost data", limit)
			}
			for i, seg := range segments {
				n := utf8.RuneCountInString(seg)
				if n > limit {
					t.Fatalf("limit %d: segment %d has %d runes", limit, i, n)
				}
				if i < len(segments)-1 && n != limit {
					t.Fatalf("limit %d: non-final segment %d has %d runes", limit, i, n)
				}
				if !utf8.ValidString(seg) {
					t.Fatalf("limit %d: segment %d is not valid UTF-8", limit, i)
				}
			}
		}
	}
}
