// Package chunker derives memory chunks from event text and estimates
// their token cost.
package chunker

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Sizes are measured in runes so they line up with token estimates.
const (
	DefaultTargetSize = 400
	DefaultMinSize    = 100
	DefaultMaxSize    = 600
)

// CharsPerToken is the rough character-to-token ratio used for budgeting.
const CharsPerToken = 4

// Options configures chunking behavior.
type Options struct {
	TargetSize int
	MinSize    int
	MaxSize    int
}

// DefaultOptions returns default chunking options.
func DefaultOptions() Options {
	return Options{
		TargetSize: DefaultTargetSize,
		MinSize:    DefaultMinSize,
		MaxSize:    DefaultMaxSize,
	}
}

// ChunkResult is one derived chunk with its line span in the source text.
type ChunkResult struct {
	Text      string
	StartLine int
	EndLine   int
	Tokens    int
}

// Normalize returns text in Unicode NFC with surrounding space trimmed, so
// equal text always has equal bytes and equal token estimates.
func Normalize(text string) string {
	return strings.TrimSpace(norm.NFC.String(text))
}

// EstimateTokens approximates the token count of text (1 token ≈ 4 chars).
// Non-empty text costs at least one token.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + CharsPerToken - 1) / CharsPerToken
}

func size(s string) int { return utf8.RuneCountInString(s) }

// Chunk splits text into chunks. Text no longer than MaxSize is one chunk.
func Chunk(text string, opts Options) []ChunkResult {
	if opts.TargetSize == 0 {
		opts = DefaultOptions()
	}

	text = Normalize(text)
	if text == "" {
		return nil
	}

	var results []ChunkResult
	if size(text) <= opts.MaxSize {
		results = []ChunkResult{{Text: text, StartLine: 1, EndLine: strings.Count(text, "\n") + 1}}
	} else {
		results = pack(sections(text), opts)
	}

	for i := range results {
		results[i].Tokens = EstimateTokens(results[i].Text)
	}
	return results
}

// section is a run of lines between markdown boundaries.
type section struct {
	lines []string
	start int
}

func (s section) text() string { return strings.TrimSpace(strings.Join(s.lines, "\n")) }

// sections cuts text before every heading and after every blank line that
// follows another blank line.
func sections(text string) []section {
	var out []section
	cur := section{start: 1}
	cut := func(next int) {
		if cur.text() != "" {
			out = append(out, cur)
		}
		cur = section{start: next}
	}

	blankRun := 0
	for i, line := range strings.Split(text, "\n") {
		n := i + 1
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "#") && len(cur.lines) > 0:
			cut(n)
		case trimmed == "" && blankRun > 0 && len(cur.lines) > 0:
			cut(n)
		}
		if trimmed == "" {
			blankRun++
		} else {
			blankRun = 0
		}
		cur.lines = append(cur.lines, line)
	}
	cut(0)
	return out
}

// pack merges adjacent sections up to TargetSize and hard-splits any that
// exceed MaxSize on line boundaries.
func pack(secs []section, opts Options) []ChunkResult {
	var results []ChunkResult
	var acc *section

	flush := func() {
		if acc == nil {
			return
		}
		t := acc.text()
		if size(t) > opts.MaxSize {
			results = append(results, splitLines(acc.lines, acc.start, opts.TargetSize)...)
		} else if t != "" {
			results = append(results, ChunkResult{Text: t, StartLine: acc.start, EndLine: acc.start + strings.Count(t, "\n")})
		}
		acc = nil
	}

	for _, s := range secs {
		s := s
		if acc == nil {
			acc = &s
			continue
		}
		if size(acc.text())+2+size(s.text()) <= opts.TargetSize {
			acc.lines = append(append(acc.lines, ""), s.lines...)
			continue
		}
		flush()
		acc = &s
	}
	flush()
	return results
}

// splitLines groups lines into chunks of roughly target runes.
func splitLines(lines []string, start, target int) []ChunkResult {
	var results []ChunkResult
	from, used := 0, 0
	emit := func(to int) {
		t := strings.TrimSpace(strings.Join(lines[from:to], "\n"))
		if t != "" {
			results = append(results, ChunkResult{Text: t, StartLine: start + from, EndLine: start + to - 1})
		}
	}

	for i, line := range lines {
		n := size(line)
		if used+n > target && i > from {
			emit(i)
			from, used = i, 0
		}
		used += n + 1
	}
	emit(len(lines))
	return results
}
