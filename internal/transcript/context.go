package transcript

import (
	"strings"
	"time"

	"github.com/lukasbauer/scribe/internal/audio"
)

// Entry is one finalized transcript line. Immutable once appended.
// Boundary entries carry no text; they group the preceding run of
// same-source entries into a readable paragraph.
type Entry struct {
	Source              audio.Source
	Text                string
	CreatedAt           time.Time
	IsParagraphBoundary bool
}

// FullContext is the ordered sequence of transcript entries for a capture
// period. Ordering within a source follows backend event order; across
// sources entries interleave by arrival.
type FullContext struct {
	Entries []Entry
}

// Clone returns a deep, independent copy. Mutations to the live context
// after cloning are never visible through the clone.
func (c *FullContext) Clone() *FullContext {
	cp := &FullContext{Entries: make([]Entry, len(c.Entries))}
	copy(cp.Entries, c.Entries)
	return cp
}

// Len returns the number of non-boundary entries.
func (c *FullContext) Len() int {
	n := 0
	for _, e := range c.Entries {
		if !e.IsParagraphBoundary {
			n++
		}
	}
	return n
}

// Paragraph is a run of entries between paragraph boundaries.
type Paragraph struct {
	Source  audio.Source
	Text    string
	StartAt time.Time
}

// Paragraphs derives paragraph groupings from the entry sequence. A
// boundary entry closes the current run; a source change also closes it,
// since a paragraph never mixes speakers.
func (c *FullContext) Paragraphs() []Paragraph {
	var out []Paragraph
	var texts []string
	var cur *Paragraph

	flush := func() {
		if cur == nil || len(texts) == 0 {
			cur = nil
			texts = nil
			return
		}
		cur.Text = strings.Join(texts, " ")
		out = append(out, *cur)
		cur = nil
		texts = nil
	}

	for _, e := range c.Entries {
		if e.IsParagraphBoundary {
			flush()
			continue
		}
		if cur != nil && cur.Source != e.Source {
			flush()
		}
		if cur == nil {
			cur = &Paragraph{Source: e.Source, StartAt: e.CreatedAt}
		}
		texts = append(texts, e.Text)
	}
	flush()
	return out
}

// PlainText renders the context as speaker-labeled lines, one paragraph
// per line, for handoff at session end.
func (c *FullContext) PlainText() string {
	var b strings.Builder
	for _, p := range c.Paragraphs() {
		b.WriteString(string(p.Source))
		b.WriteString(": ")
		b.WriteString(p.Text)
		b.WriteString("\n")
	}
	return b.String()
}
