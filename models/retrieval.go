package models

// ScoredChunk is a retrieval candidate with its score breakdown.
type ScoredChunk struct {
	Chunk      ChunkRecord `json:"chunk"`
	Similarity float64     `json:"similarity"`
	Trust      float64     `json:"trust"`
	Recency    float64     `json:"recency"`
	Score      float64     `json:"score"`
}

// Citation points a consumer back at a source page.
type Citation struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// RetrievalResult is the answer context for one question. Grounded is
// false when nothing cleared the similarity floor; callers must treat
// that as "no grounded result", never as an empty answer.
type RetrievalResult struct {
	Tenant      string        `json:"tenant"`
	Query       string        `json:"query"`
	Grounded    bool          `json:"grounded"`
	ContextText string        `json:"context_text"`
	Citations   []Citation    `json:"citations"`
	Confidence  float64       `json:"confidence"`
	Chunks      []ScoredChunk `json:"chunks,omitempty"`
}
