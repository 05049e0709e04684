package index

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"guata-knowledge-pipeline/internal/ai"
	"guata-knowledge-pipeline/internal/store"
	"guata-knowledge-pipeline/models"
	"guata-knowledge-pipeline/services"
)

func testPage(content string) *models.ExtractedPage {
	return &models.ExtractedPage{
		Tenant:      "ms",
		URL:         "https://turismo.ms.gov.br/bonito",
		Title:       "Bonito",
		Content:     content,
		ContentHash: hashFor(content),
		FetchedAt:   time.Now(),
		Tier:        models.TrustTierHigh,
	}
}

// hashFor stands in for the extractor's sha256; tests only need the
// hash to change with the content.
func hashFor(content string) string {
	if strings.Contains(content, "versão dois") {
		return "hash-v2"
	}
	return "hash-v1"
}

func indexOnce(t *testing.T, ix *Indexer, cs *services.ChunkingService, page *models.ExtractedPage) store.UpsertCounts {
	t.Helper()
	counts, err := ix.IndexPage(context.Background(), page, cs.ChunkPage(page))
	if err != nil {
		t.Fatalf("IndexPage failed: %v", err)
	}
	return counts
}

func TestIndexPageWritesChunks(t *testing.T) {
	st := store.NewMemoryStore(64)
	ix := New(st, ai.NewLocalEmbedder(64))
	cs := services.NewChunkingService(60, 10, 15)

	page := testPage(strings.Repeat("O Rio da Prata tem flutuação com peixes coloridos. ", 20))
	counts := indexOnce(t, ix, cs, page)

	if counts.Upserted == 0 {
		t.Fatal("no chunks written")
	}
	if st.ChunkCount("ms") != counts.Upserted {
		t.Errorf("store has %d chunks, upsert reported %d", st.ChunkCount("ms"), counts.Upserted)
	}
}

func TestIndexPageUnchangedContentSkipsReembed(t *testing.T) {
	st := store.NewMemoryStore(64)
	ix := New(st, ai.NewLocalEmbedder(64))
	cs := services.NewChunkingService(60, 10, 15)

	page := testPage(strings.Repeat("A Estrada Parque corta o Pantanal sul. ", 20))
	first := indexOnce(t, ix, cs, page)
	second := indexOnce(t, ix, cs, page)

	if second.Upserted != 0 {
		t.Errorf("re-index of unchanged page upserted %d chunks", second.Upserted)
	}
	if second.Unchanged != first.Upserted {
		t.Errorf("unchanged = %d, want %d", second.Unchanged, first.Upserted)
	}
}

func TestIndexPageSupersedesOldChunks(t *testing.T) {
	st := store.NewMemoryStore(64)
	ix := New(st, ai.NewLocalEmbedder(64))
	cs := services.NewChunkingService(60, 10, 15)

	v1 := testPage(strings.Repeat("O balneário municipal abre às oito da manhã. ", 20))
	indexOnce(t, ix, cs, v1)

	// Shorter second version leaves fewer chunks; none from v1 survive
	v2 := testPage(strings.Repeat("Horário novo, versão dois do conteúdo da página. ", 8))
	indexOnce(t, ix, cs, v2)

	if n, _ := st.ChunkCountByHash(context.Background(), "ms", v1.ContentHash); n != 0 {
		t.Errorf("%d chunks of the superseded hash remain", n)
	}
	if n, _ := st.ChunkCountByHash(context.Background(), "ms", v2.ContentHash); n == 0 {
		t.Error("no chunks stored for the new hash")
	}
}

func TestIndexPageSameHashFewerChunksPrunesOrphans(t *testing.T) {
	st := store.NewMemoryStore(64)
	ix := New(st, ai.NewLocalEmbedder(64))
	cs := services.NewChunkingService(60, 10, 15)

	long := testPage(strings.Repeat("A Gruta do Lago Azul guarda um lago subterrâneo. ", 24))
	first := indexOnce(t, ix, cs, long)

	// Same hash, fewer chunks: the higher-index chunks of the first
	// pass must not survive the re-index.
	short := testPage(strings.Repeat("A Gruta do Lago Azul guarda um lago subterrâneo. ", 6))
	shortChunks := cs.ChunkPage(short)
	if first.Upserted <= len(shortChunks) {
		t.Fatalf("first pass wrote %d chunks, need more than %d for the test", first.Upserted, len(shortChunks))
	}
	indexOnce(t, ix, cs, short)

	if n, _ := st.ChunkCountByHash(context.Background(), "ms", short.ContentHash); n != int64(len(shortChunks)) {
		t.Errorf("store holds %d chunks after re-index, want %d", n, len(shortChunks))
	}
}

type wrongDimEmbedder struct{}

func (wrongDimEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return make([]float32, 16), nil
}
func (wrongDimEmbedder) Dimension() int { return 64 }

func TestIndexPageDimensionMismatchIsFatal(t *testing.T) {
	st := store.NewMemoryStore(64)
	ix := New(st, wrongDimEmbedder{})
	cs := services.NewChunkingService(60, 10, 15)

	page := testPage(strings.Repeat("Texto de teste para o índice. ", 20))
	_, err := ix.IndexPage(context.Background(), page, cs.ChunkPage(page))
	if !errors.Is(err, ErrEmbedding) {
		t.Fatalf("error = %v, want ErrEmbedding", err)
	}
	var dimErr *ai.DimensionError
	if !errors.As(err, &dimErr) {
		t.Errorf("error %v does not expose the dimension mismatch", err)
	}
	if st.ChunkCount("ms") != 0 {
		t.Error("chunks written despite embedding failure")
	}
}
