package retrieval

import (
	"context"
	"strings"
	"testing"

	"github.com/dossier-rag/dossier/internal/config"
	"github.com/dossier-rag/dossier/internal/log"
	"github.com/dossier-rag/dossier/internal/textproc"
	"github.com/dossier-rag/dossier/internal/vectorstore"
)

type fakeStore struct {
	count        int64
	queryResults []vectorstore.Candidate
	scanResults  []vectorstore.Candidate
	lastFilter   *vectorstore.Filter
}

func (f *fakeStore) Query(_ context.Context, _ []float32, k int, filter *vectorstore.Filter) ([]vectorstore.Candidate, error) {
	f.lastFilter = filter
	if len(f.queryResults) > k {
		return f.queryResults[:k], nil
	}
	return f.queryResults, nil
}

func (f *fakeStore) Scan(_ context.Context, filter *vectorstore.Filter, limit int) ([]vectorstore.Candidate, error) {
	if len(f.scanResults) > limit {
		return f.scanResults[:limit], nil
	}
	return f.scanResults, nil
}

func (f *fakeStore) Count(context.Context) (int64, error) { return f.count, nil }

type fakeEmbedder struct{ vec []float32 }

func (f *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return f.vec, nil
}

func candidate(id, docID, personName, content string, distance float64, extra map[string]string) vectorstore.Candidate {
	meta := map[string]string{
		"person_name":            personName,
		"person_name_normalized": strings.ToLower(strings.ReplaceAll(personName, " ", "_")),
		"chunk_index":            "1",
		"chunk_type":             "general",
		"source_file":            "cv.pdf",
	}
	for k, v := range extra {
		meta[k] = v
	}
	return vectorstore.Candidate{
		ID:         id,
		DocumentID: docID,
		Content:    content,
		Metadata:   meta,
		Distance:   distance,
	}
}

func newTestEngine(store *fakeStore, cfg Config) *Engine {
	if cfg.SimilarityMin == 0 {
		cfg.SimilarityMin = 0.1
	}
	if cfg.FallbackMin == 0 {
		cfg.FallbackMin = 0.05
	}
	cfg.Weights = config.DefaultRerankWeights()
	return New(store, &fakeEmbedder{vec: []float32{0.1, 0.2}}, textproc.New(), cfg, log.NewNop())
}

func TestSearchEmptyStore(t *testing.T) {
	e := newTestEngine(&fakeStore{count: 0}, Config{})
	got, err := e.Search(context.Background(), Request{Query: "compétences python"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if got != nil {
		t.Errorf("Search() = %v, want nil for empty store", got)
	}
}

func TestSearchIsolationUnderTopicalOverlap(t *testing.T) {
	content := "Maîtrise de Python et Machine Learning"
	store := &fakeStore{
		count: 2,
		queryResults: []vectorstore.Candidate{
			candidate("c-bob", "doc-bob", "Bob Martin", content, 0.10, nil),
			candidate("c-alice", "doc-alice", "Alice Dupont", content, 0.20, nil),
		},
	}
	e := newTestEngine(store, Config{EnableReranking: true})

	got, err := e.Search(context.Background(), Request{
		Query:        "compétences en Python",
		TargetPerson: "Alice Dupont",
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d results, want 1", len(got))
	}
	if got[0].Metadata["person_name"] != "Alice Dupont" {
		t.Errorf("leaked chunk of %q despite person filter", got[0].Metadata["person_name"])
	}
	if !got[0].IsolationValid {
		t.Error("surviving result not marked isolation valid")
	}
	if store.lastFilter == nil || len(store.lastFilter.Any) == 0 {
		t.Error("no isolation filter passed to the store")
	}
}

func TestSearchMergesStrategies(t *testing.T) {
	content := "Maîtrise de Python et Docker pour le développement"
	store := &fakeStore{
		count: 1,
		queryResults: []vectorstore.Candidate{
			candidate("c1", "doc-1", "Alice Dupont", content, 0.30,
				map[string]string{"keywords": "python, docker"}),
		},
		scanResults: []vectorstore.Candidate{
			candidate("c1", "doc-1", "Alice Dupont", content, 0,
				map[string]string{"keywords": "python, docker"}),
		},
	}
	e := newTestEngine(store, Config{EnableHybrid: true})

	got, err := e.Search(context.Background(), Request{Query: "python docker"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d results, want 1 after dedup", len(got))
	}
	r := got[0]
	if !r.MultiStrategy || len(r.Strategies) != 2 {
		t.Errorf("strategies = %v, multi = %v, want both strategies merged", r.Strategies, r.MultiStrategy)
	}
	if r.SimilarityScore < 0.69 {
		t.Errorf("similarity = %v, want the best of both strategies", r.SimilarityScore)
	}
}

func TestSearchThresholdFallback(t *testing.T) {
	store := &fakeStore{
		count: 1,
		queryResults: []vectorstore.Candidate{
			candidate("c1", "doc-1", "Alice Dupont", "contenu pertinent unique", 0.92, nil),
		},
	}
	e := newTestEngine(store, Config{})

	got, err := e.Search(context.Background(), Request{Query: "recherche quelconque"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d results, want 1 via fallback threshold", len(got))
	}
	if got[0].FinalScore < 0.05 || got[0].FinalScore >= 0.1 {
		t.Errorf("FinalScore = %v, expected between fallback and primary threshold", got[0].FinalScore)
	}
}

func TestSearchLastResortTopTwo(t *testing.T) {
	store := &fakeStore{
		count: 3,
		queryResults: []vectorstore.Candidate{
			candidate("c1", "doc-1", "Alice Dupont", "premier contenu", 0.99, nil),
			candidate("c2", "doc-2", "Alice Dupont", "deuxième contenu", 0.98, nil),
			candidate("c3", "doc-3", "Alice Dupont", "troisième contenu", 0.97, nil),
		},
	}
	e := newTestEngine(store, Config{})

	got, err := e.Search(context.Background(), Request{Query: "rien ne correspond"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want top 2 as last resort", len(got))
	}
	if got[0].FinalScore < got[1].FinalScore {
		t.Error("last-resort results not sorted by score")
	}
	for _, r := range got {
		if r.FinalScore >= 0.05 {
			t.Errorf("FinalScore = %v should stay low to signal low confidence", r.FinalScore)
		}
	}
}

func TestRerankScoreBounds(t *testing.T) {
	e := newTestEngine(&fakeStore{}, Config{EnableReranking: true})

	results := []Result{
		{
			Content:         "Maîtrise de python compétences solides en machine learning et développement",
			SimilarityScore: 1.0,
			ChunkType:       "skills",
			MultiStrategy:   true,
			Metadata: map[string]string{
				"person_name":   "Alice Dupont",
				"keywords":      "python, machine learning, compétences",
				"section_title": "Compétences python machine learning",
			},
		},
		{
			Content:         "x",
			SimilarityScore: 0,
			ChunkType:       "general",
			Metadata:        map[string]string{"person_name": "Bob Martin"},
		},
	}

	e.rerank("python machine learning compétences", results, "Alice Dupont")

	for i, r := range results {
		if r.FinalScore < 0 || r.FinalScore > 1 {
			t.Errorf("result %d FinalScore = %v, out of [0,1]", i, r.FinalScore)
		}
		if r.Scoring == nil {
			t.Errorf("result %d missing scoring details", i)
		}
	}
	if results[0].FinalScore <= results[1].FinalScore {
		t.Error("strong match not ranked above weak match")
	}
	if results[0].Scoring.IsolationBonus <= 0 {
		t.Error("no isolation bonus for exact person match")
	}
	if results[1].Scoring.LengthPenalty >= 0 {
		t.Error("tiny chunk not penalized")
	}
}

func TestRerankTypeBonusFromWeights(t *testing.T) {
	w := config.DefaultRerankWeights()
	w.TypeSkills = 0.40
	w.TypeCredential = 0.02
	e := New(&fakeStore{}, &fakeEmbedder{vec: []float32{0.1, 0.2}}, textproc.New(), Config{
		SimilarityMin:   0.1,
		FallbackMin:     0.05,
		EnableReranking: true,
		Weights:         w,
	}, log.NewNop())

	filler := strings.Repeat("compétences et expérience professionnelle ", 4)
	results := []Result{
		{Content: filler, SimilarityScore: 0.5, ChunkType: "skills", Metadata: map[string]string{}},
		{Content: filler, SimilarityScore: 0.5, ChunkType: "certification", Metadata: map[string]string{}},
		{Content: filler, SimilarityScore: 0.5, ChunkType: "general", Metadata: map[string]string{}},
	}

	e.rerank("profil", results, "")

	byType := make(map[string]Result, len(results))
	for _, r := range results {
		byType[r.ChunkType] = r
	}
	if got := byType["skills"].Scoring.TypeBonus; got != 0.40 {
		t.Errorf("skills TypeBonus = %v, want the configured 0.40", got)
	}
	if got := byType["certification"].Scoring.TypeBonus; got != 0.02 {
		t.Errorf("certification TypeBonus = %v, want the configured 0.02", got)
	}
	if got := byType["general"].Scoring.TypeBonus; got != 0 {
		t.Errorf("general TypeBonus = %v, want 0", got)
	}
	if byType["skills"].FinalScore <= byType["certification"].FinalScore {
		t.Error("skills chunk not ranked above certification chunk")
	}
}

func TestEnhanceQuery(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		target string
		want   string
	}{
		{name: "no target", query: "compétences", target: "", want: "compétences"},
		{
			name:   "target prepended",
			query:  "compétences python",
			target: "Alice Dupont",
			want:   "informations de Alice Dupont compétences python",
		},
		{
			name:   "target already present",
			query:  "compétences de alice dupont",
			target: "Alice Dupont",
			want:   "compétences de alice dupont",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := enhanceQuery(tt.query, tt.target); got != tt.want {
				t.Errorf("enhanceQuery() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildIsolationFilter(t *testing.T) {
	t.Run("nil without target or metadata", func(t *testing.T) {
		if f := buildIsolationFilter(nil, ""); f != nil {
			t.Errorf("filter = %+v, want nil", f)
		}
	})

	t.Run("wide OR for target person", func(t *testing.T) {
		f := buildIsolationFilter(nil, "Alice Dupont")
		if f == nil || len(f.Any) != 4 {
			t.Fatalf("filter = %+v, want 4 OR alternatives", f)
		}
		if f.Any[0].Equals != "Alice Dupont" {
			t.Errorf("first alternative = %+v", f.Any[0])
		}
		if f.Any[1].Equals != "alice_dupont" {
			t.Errorf("normalized alternative = %+v", f.Any[1])
		}
		if f.Any[2].Regex != "Alice" {
			t.Errorf("first-name regex = %+v", f.Any[2])
		}
	})

	t.Run("regex metacharacters escaped", func(t *testing.T) {
		f := buildIsolationFilter(nil, "A.lice Dupont")
		for _, m := range f.Any {
			if m.Regex != "" && strings.Contains(m.Regex, "A.lice") && !strings.Contains(m.Regex, `A\.lice`) {
				t.Errorf("unescaped regex %q", m.Regex)
			}
		}
	})

	t.Run("caller metadata kept", func(t *testing.T) {
		f := buildIsolationFilter(map[string]string{"chunk_type": "skills"}, "Alice Dupont")
		if f.Equals["chunk_type"] != "skills" {
			t.Errorf("Equals = %v", f.Equals)
		}
	})
}

func TestMergeAndDeduplicate(t *testing.T) {
	results := []Result{
		{DocumentID: "d1", ChunkIndex: 0, SimilarityScore: 0.5, Strategy: StrategySemantic,
			Strategies: []string{StrategySemantic}, Metadata: map[string]string{"person_name": "Alice"}},
		{DocumentID: "d1", ChunkIndex: 0, SimilarityScore: 0.7, Strategy: StrategyKeyword,
			Strategies: []string{StrategyKeyword}, Metadata: map[string]string{"person_name": "Alice"}},
		{DocumentID: "d2", ChunkIndex: 0, SimilarityScore: 0.6, Strategy: StrategySemantic,
			Strategies: []string{StrategySemantic}, Metadata: map[string]string{"person_name": "Bob"}},
	}

	merged := mergeAndDeduplicate(results)
	if len(merged) != 2 {
		t.Fatalf("got %d results, want 2", len(merged))
	}
	first := merged[0]
	if first.SimilarityScore != 0.7 {
		t.Errorf("best score = %v, want 0.7 kept", first.SimilarityScore)
	}
	if !first.MultiStrategy {
		t.Error("multi-strategy not flagged")
	}
	if first.Strategy != StrategyKeyword {
		t.Errorf("primary strategy = %q, want the better one", first.Strategy)
	}
}
