// Package chunker splits a turn's text into paragraph and sentence chunks
// and derives each chunk's lexical filter set. Grounded on the teacher's
// materials chunking shape (internal/domain/materials.MaterialChunk, now
// pruned) generalized from document pages to conversational turns per
// spec.md §4.1.
package chunker

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	domainhmlr "github.com/timottowitz/hmlr/internal/domain/hmlr"
	"github.com/timottowitz/hmlr/internal/lexical"
)

var (
	paragraphSplit = regexp.MustCompile(`\n\s*\n`)
	sentenceSplit  = regexp.MustCompile(`(?:[.!?])\s+`)
)

// idSource supplies the timestamp and nonce for chunk ids; the default uses
// a monotonic counter seeded at construction so ids stay unique within a
// process without reaching for a random source mid-split.
type idSource struct {
	now   func() time.Time
	nonce func() int
}

func defaultIDSource() idSource {
	counter := 0
	return idSource{
		now: func() time.Time { return time.Now().UTC() },
		nonce: func() int {
			counter++
			return counter
		},
	}
}

// Chunker splits turn text into paragraph/sentence chunks.
type Chunker struct {
	ids idSource
}

// New returns a Chunker using wall-clock timestamps and a process-local
// monotonic nonce for id generation.
func New() *Chunker {
	return &Chunker{ids: defaultIDSource()}
}

// Split breaks text into paragraph chunks, each further split into
// sentence chunks that carry a ParentChunkID back to their paragraph.
// BlockID is left nil: the orchestrator patches it in bulk once routing
// resolves (spec.md §4.1 "persisted before routing").
func (c *Chunker) Split(text, turnID string) []domainhmlr.Chunk {
	if c == nil {
		c = New()
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	paragraphs := splitParagraphs(trimmed)
	out := make([]domainhmlr.Chunk, 0, len(paragraphs)*2)
	now := c.ids.now()

	index := 0
	for pIdx, para := range paragraphs {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		paraID := fmt.Sprintf("para_%d_%d_%d", now.UnixNano(), pIdx, c.ids.nonce())
		out = append(out, newChunk(paraID, domainhmlr.ChunkTypeParagraph, para, nil, turnID, index, now))
		index++

		for sIdx, sent := range splitSentences(para) {
			sent = strings.TrimSpace(sent)
			if sent == "" {
				continue
			}
			sentID := fmt.Sprintf("sent_%d_%d_%d_%d", now.UnixNano(), pIdx, sIdx, c.ids.nonce())
			parent := paraID
			out = append(out, newChunk(sentID, domainhmlr.ChunkTypeSentence, sent, &parent, turnID, index, now))
			index++
		}
	}
	return out
}

func newChunk(id string, typ domainhmlr.ChunkType, text string, parent *string, turnID string, index int, now time.Time) domainhmlr.Chunk {
	return domainhmlr.Chunk{
		ID:             id,
		ChunkType:      typ,
		TextVerbatim:   text,
		LexicalFilters: lexical.Extract(text, domainhmlr.MaxLexicalFilters),
		ParentChunkID:  parent,
		TurnID:         turnID,
		TokenCount:     TokenCount(text),
		Index:          index,
		CreatedAt:      now,
	}
}

// TokenCount is the ceil(len/4) estimator used throughout the pipeline for
// budgeting (chunks, turns, memories) wherever an exact tokenizer isn't
// warranted.
func TokenCount(text string) int {
	return int(math.Ceil(float64(len(text)) / 4.0))
}

// splitParagraphs splits on blank-line boundaries; if none are found and
// the text is non-empty, the whole text is one paragraph.
func splitParagraphs(text string) []string {
	parts := paragraphSplit.Split(text, -1)
	if len(parts) == 0 {
		return []string{text}
	}
	return parts
}

// splitSentences splits a paragraph on a terminator followed by
// whitespace. A trailing sentence with no following whitespace (end of
// paragraph) is still captured as the final element.
func splitSentences(paragraph string) []string {
	return sentenceSplit.Split(paragraph, -1)
}
