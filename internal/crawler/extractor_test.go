package crawler

import (
	"errors"
	"strings"
	"testing"
	"time"

	"guata-knowledge-pipeline/models"
)

const samplePage = `<html>
<head><title>Bonito - Ecoturismo</title></head>
<body>
<nav><a href="/home">Home</a><a href="/sobre">Sobre</a></nav>
<header><h2>Menu do site</h2></header>
<main>
<h1>Gruta do Lago Azul</h1>
<p>A Gruta do Lago Azul é um dos principais atrativos de Bonito, com águas cristalinas em tons de azul.</p>
<p>A visitação é limitada e exige agendamento com guias credenciados pela prefeitura.</p>
<a href="/atrativos/rio-sucuri">Rio Sucuri</a>
<a href="https://fundtur.ms.gov.br/eventos">Eventos</a>
<a href="#topo">Topo</a>
<a href="mailto:contato@example.com">Contato</a>
<a href="/fotos/gruta.jpg">Foto</a>
</main>
<footer><p>Rodapé institucional com links</p></footer>
<script>console.log("tracking")</script>
</body>
</html>`

func sampleFetch(body string) *models.FetchResult {
	return &models.FetchResult{
		URL:         "https://turismo.ms.gov.br/atrativos/gruta",
		StatusCode:  200,
		ContentType: "text/html; charset=utf-8",
		Body:        []byte(body),
		FetchedAt:   time.Now(),
	}
}

func sampleTarget() models.CrawlTarget {
	return models.CrawlTarget{
		URL:    "https://turismo.ms.gov.br/atrativos/gruta",
		Tenant: "descubra-ms",
		Depth:  1,
		Tier:   models.TrustTierHigh,
	}
}

func TestExtractStripsBoilerplate(t *testing.T) {
	e := NewExtractor(50)
	page, err := e.Extract(sampleTarget(), sampleFetch(samplePage))
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	if page.Title != "Bonito - Ecoturismo" {
		t.Errorf("title = %q", page.Title)
	}
	if !strings.Contains(page.Content, "águas cristalinas") {
		t.Error("main content missing from extraction")
	}
	for _, boilerplate := range []string{"Menu do site", "Rodapé institucional", "tracking"} {
		if strings.Contains(page.Content, boilerplate) {
			t.Errorf("boilerplate %q survived extraction", boilerplate)
		}
	}
	if page.Tenant != "descubra-ms" || page.Depth != 1 || page.Tier != models.TrustTierHigh {
		t.Error("target fields not carried onto the page")
	}
}

func TestExtractHashIsStable(t *testing.T) {
	e := NewExtractor(50)
	first, err := e.Extract(sampleTarget(), sampleFetch(samplePage))
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.Extract(sampleTarget(), sampleFetch(samplePage))
	if err != nil {
		t.Fatal(err)
	}

	if len(first.ContentHash) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(first.ContentHash))
	}
	if first.ContentHash != second.ContentHash {
		t.Error("same input produced different content hashes")
	}

	changed := strings.Replace(samplePage, "águas cristalinas", "águas turquesa", 1)
	third, err := e.Extract(sampleTarget(), sampleFetch(changed))
	if err != nil {
		t.Fatal(err)
	}
	if third.ContentHash == first.ContentHash {
		t.Error("changed content kept the same hash")
	}
}

func TestExtractOutlinks(t *testing.T) {
	e := NewExtractor(50)
	page, err := e.Extract(sampleTarget(), sampleFetch(samplePage))
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]bool{
		"https://turismo.ms.gov.br/atrativos/rio-sucuri": false,
		"https://fundtur.ms.gov.br/eventos":              false,
	}
	for _, link := range page.Outlinks {
		if strings.Contains(link, "#") || strings.HasPrefix(link, "mailto:") {
			t.Errorf("unexpected outlink %s", link)
		}
		if strings.HasSuffix(link, ".jpg") {
			t.Errorf("asset link %s not filtered", link)
		}
		if _, ok := want[link]; ok {
			want[link] = true
		}
	}
	for link, seen := range want {
		if !seen {
			t.Errorf("expected outlink %s not found in %v", link, page.Outlinks)
		}
	}
}

func TestExtractRejectsShortContent(t *testing.T) {
	e := NewExtractor(100)
	short := "<html><body><main><p>Oi.</p></main></body></html>"
	_, err := e.Extract(sampleTarget(), sampleFetch(short))
	if !errors.Is(err, ErrContentTooShort) {
		t.Errorf("error = %v, want ErrContentTooShort", err)
	}
}

func TestExtractRejectsNonHTML(t *testing.T) {
	e := NewExtractor(10)
	fetched := sampleFetch(`{"key": "value"}`)
	fetched.ContentType = "application/json"
	_, err := e.Extract(sampleTarget(), fetched)
	if !errors.Is(err, ErrNotHTML) {
		t.Errorf("error = %v, want ErrNotHTML", err)
	}
}
