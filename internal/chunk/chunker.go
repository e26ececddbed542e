// Package chunk segments extracted legal text into bounded retrieval units.
// Legal codes are split on their article structure when present; free text
// falls back to sentence-bounded splitting.
package chunk

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultTargetSize is the preferred chunk length in characters. A chunk
	// may exceed it to keep an article or sentence whole.
	DefaultTargetSize = 500

	// DefaultMinLength discards fragments too short to carry retrieval signal.
	DefaultMinLength = 50
)

var (
	// Article headings like "Статья 12. Трудовые отношения".
	articlePattern = regexp.MustCompile(`(?i)(Статья\s+\d+[^\n]*)`)

	whitespaceRun = regexp.MustCompile(`\s+`)

	// Whitelist: word characters (any script), whitespace, standard
	// punctuation, brackets, quotes and the numero sign. Go's \w is ASCII
	// only, so letters and digits are matched with unicode classes.
	disallowed = regexp.MustCompile(`[^\p{L}\p{N}_\s.,;:!?\-()\[\]"'№]`)

	sentenceEnd = regexp.MustCompile(`[.!?]+`)

	quoteReplacer = strings.NewReplacer(
		"“", `"`, "”", `"`, "«", `"`, "»", `"`,
		"‘", "'", "’", "'",
	)
)

// Chunker splits cleaned text into retrievable fragments.
type Chunker struct {
	targetSize int
	minLength  int
}

// New creates a Chunker. Non-positive arguments select the defaults.
func New(targetSize, minLength int) *Chunker {
	if targetSize <= 0 {
		targetSize = DefaultTargetSize
	}
	if minLength <= 0 {
		minLength = DefaultMinLength
	}
	return &Chunker{targetSize: targetSize, minLength: minLength}
}

// Clean collapses whitespace runs, strips characters outside the whitelist
// and normalizes curly quotes to straight ones.
func Clean(text string) string {
	text = whitespaceRun.ReplaceAllString(text, " ")
	text = quoteReplacer.Replace(text)
	text = disallowed.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// Split segments text into chunks. Empty input yields no chunks; callers
// treat that as an ingestion failure. Fragments shorter than the minimum
// length are dropped, but an oversized single sentence or article is always
// emitted whole rather than truncated.
func (c *Chunker) Split(text string) []string {
	var chunks []string
	if c.hasArticles(text) {
		chunks = c.splitByArticles(text)
	} else {
		chunks = c.splitBySize(text)
	}

	kept := chunks[:0]
	for _, ch := range chunks {
		// Sizes are measured in runes: the corpus is Cyrillic, where byte
		// counts run double and would halve the effective thresholds.
		if utf8.RuneCountInString(strings.TrimSpace(ch)) > c.minLength {
			kept = append(kept, ch)
		}
	}
	return kept
}

func (c *Chunker) hasArticles(text string) bool {
	return articlePattern.MatchString(text)
}

// splitByArticles treats the text as alternating heading/body segments. The
// buffer flushes only when it is already over the target size and the next
// segment starts a new article, so a heading never separates from its body.
func (c *Chunker) splitByArticles(text string) []string {
	segments := splitKeepingHeadings(text)

	var chunks []string
	var current strings.Builder
	runes := 0
	for _, seg := range segments {
		if strings.TrimSpace(seg) == "" {
			continue
		}
		segRunes := utf8.RuneCountInString(seg)
		if articlePattern.MatchString(seg) {
			if runes > c.targetSize {
				chunks = append(chunks, Clean(current.String()))
				current.Reset()
				runes = 0
			}
			current.WriteString(seg)
			current.WriteString(" ")
			runes += segRunes + 1
			continue
		}
		if runes == 0 && segRunes > c.targetSize {
			// Oversized body with no pending heading: emit as-is.
			chunks = append(chunks, Clean(seg))
			continue
		}
		current.WriteString(seg)
		runes += segRunes
	}
	if current.Len() > 0 {
		chunks = append(chunks, Clean(current.String()))
	}
	return chunks
}

// splitBySize accumulates sentences until adding the next one would exceed
// the target size.
func (c *Chunker) splitBySize(text string) []string {
	sentences := sentenceEnd.Split(text, -1)

	var chunks []string
	var current strings.Builder
	runes := 0
	for _, sentence := range sentences {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}
		sentRunes := utf8.RuneCountInString(sentence)
		if runes+sentRunes > c.targetSize && runes > 0 {
			chunks = append(chunks, Clean(current.String()))
			current.Reset()
			runes = 0
		}
		current.WriteString(sentence)
		current.WriteString(". ")
		runes += sentRunes + 2
	}
	if current.Len() > 0 {
		chunks = append(chunks, Clean(current.String()))
	}
	return chunks
}

// splitKeepingHeadings splits text around article headings, keeping the
// headings themselves as segments (re.split with a capturing group).
func splitKeepingHeadings(text string) []string {
	locs := articlePattern.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []string{text}
	}
	var segments []string
	prev := 0
	for _, loc := range locs {
		if loc[0] > prev {
			segments = append(segments, text[prev:loc[0]])
		}
		segments = append(segments, text[loc[0]:loc[1]])
		prev = loc[1]
	}
	if prev < len(text) {
		segments = append(segments, text[prev:])
	}
	return segments
}
