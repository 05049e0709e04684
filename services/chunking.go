package services

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"guata-knowledge-pipeline/internal/ai"
	"guata-knowledge-pipeline/models"
)

// ChunkingService splits extracted pages into token-window chunks with
// sentence boundary awareness. Windows are measured in estimated
// tokens (1 token ~ 4 chars), paragraphs are preferred split points
// and consecutive chunks overlap so answers spanning a boundary stay
// retrievable.
type ChunkingService struct {
	maxTokens      int
	overlapTokens  int
	minTokens      int
	sentenceRegex  *regexp.Regexp
	paragraphRegex *regexp.Regexp
}

// NewChunkingService creates a new chunking service
func NewChunkingService(maxTokens, overlapTokens, minTokens int) *ChunkingService {
	return &ChunkingService{
		maxTokens:      maxTokens,
		overlapTokens:  overlapTokens,
		minTokens:      minTokens,
		sentenceRegex:  regexp.MustCompile(`[.!?]+[\s]+`),
		paragraphRegex: regexp.MustCompile(`\n\n+`),
	}
}

// ChunkPage splits a page into ordered, unembedded chunk records. Two
// pages with identical content always produce identical chunk texts,
// which is what makes (content hash, chunk index) a stable identity.
func (cs *ChunkingService) ChunkPage(page *models.ExtractedPage) []models.ChunkRecord {
	texts := cs.ChunkText(page.Content)

	chunks := make([]models.ChunkRecord, 0, len(texts))
	for i, text := range texts {
		chunks = append(chunks, models.ChunkRecord{
			Tenant:      page.Tenant,
			ContentHash: page.ContentHash,
			ChunkIndex:  i,
			Text:        text,
			Metadata: models.ChunkMetadata{
				SourceURL: page.URL,
				Title:     page.Title,
				FetchedAt: page.FetchedAt,
				Tier:      page.Tier,
			},
			UpdatedAt: page.FetchedAt,
		})
	}
	return chunks
}

// ChunkText chunks text with paragraph and sentence boundary awareness
func (cs *ChunkingService) ChunkText(text string) []string {
	paragraphs := filterEmpty(cs.paragraphRegex.Split(text, -1))
	if len(paragraphs) == 0 {
		return nil
	}

	var chunks []string
	currentChunk := new(strings.Builder)
	currentTokens := 0

	flush := func() {
		if currentChunk.Len() == 0 {
			return
		}
		chunks = append(chunks, strings.TrimSpace(currentChunk.String()))
		currentChunk = new(strings.Builder)
		currentTokens = 0

		// Seed the next chunk with trailing sentences of the previous one
		if cs.overlapTokens > 0 {
			overlapText := cs.getOverlapText(chunks[len(chunks)-1])
			if len(overlapText) > 0 {
				currentChunk.WriteString(overlapText)
				currentTokens = ai.EstimateTokens(overlapText)
			}
		}
	}

	appendPiece := func(piece string) {
		if currentChunk.Len() > 0 {
			currentChunk.WriteString("\n\n")
		}
		currentChunk.WriteString(piece)
		currentTokens += ai.EstimateTokens(piece)
	}

	for _, paragraph := range paragraphs {
		paragraph = strings.TrimSpace(paragraph)
		if len(paragraph) == 0 {
			continue
		}

		paraTokens := ai.EstimateTokens(paragraph)

		// Oversized paragraph: walk it sentence by sentence
		if paraTokens > cs.maxTokens {
			for _, sentence := range cs.splitOversized(paragraph) {
				sentTokens := ai.EstimateTokens(sentence)
				if currentTokens+sentTokens > cs.maxTokens && currentTokens >= cs.minTokens {
					flush()
				}
				appendPiece(sentence)
			}
			continue
		}

		if currentTokens+paraTokens > cs.maxTokens && currentTokens >= cs.minTokens {
			flush()
		}
		appendPiece(paragraph)
	}

	if strings.TrimSpace(currentChunk.String()) != "" {
		chunks = append(chunks, strings.TrimSpace(currentChunk.String()))
	}

	return chunks
}

// splitOversized breaks a paragraph into sentences, hard-cutting any
// single sentence that alone exceeds the window.
func (cs *ChunkingService) splitOversized(paragraph string) []string {
	sentences := filterEmpty(cs.sentenceRegex.Split(paragraph, -1))
	if len(sentences) == 0 {
		sentences = []string{paragraph}
	}

	maxChars := cs.maxTokens * 4
	var pieces []string
	for _, sentence := range sentences {
		sentence = strings.TrimSpace(sentence)
		for len(sentence) > maxChars {
			cut := runeBoundaryBefore(sentence, maxChars)
			pieces = append(pieces, sentence[:cut])
			sentence = sentence[cut:]
		}
		if sentence != "" {
			pieces = append(pieces, sentence)
		}
	}
	return pieces
}

// runeBoundaryBefore returns the largest cut point at or below max that
// does not land inside a multi-byte rune.
func runeBoundaryBefore(s string, max int) int {
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		return max
	}
	return cut
}

// getOverlapText extracts trailing sentences of a chunk up to the
// overlap budget
func (cs *ChunkingService) getOverlapText(text string) string {
	budget := cs.overlapTokens * 4
	if len(text) <= budget {
		return text
	}

	sentences := filterEmpty(cs.sentenceRegex.Split(text, -1))
	if len(sentences) == 0 {
		start := len(text) - budget
		for start < len(text) && !utf8.RuneStart(text[start]) {
			start++
		}
		return text[start:]
	}

	// Take last sentences that fit in the overlap budget
	var taken []string
	size := 0
	for i := len(sentences) - 1; i >= 0; i-- {
		s := strings.TrimSpace(sentences[i])
		if size+len(s) > budget && size > 0 {
			break
		}
		taken = append([]string{s}, taken...)
		size += len(s)
	}
	return strings.Join(taken, ". ")
}

// filterEmpty removes empty strings from slice
func filterEmpty(slice []string) []string {
	result := make([]string, 0, len(slice))
	for _, s := range slice {
		if len(strings.TrimSpace(s)) > 0 {
			result = append(result, s)
		}
	}
	return result
}
