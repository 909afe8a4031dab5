// Package retrieval orchestrates query-time search: isolation filtering,
// semantic and keyword strategies, triple-checked person isolation,
// merge/dedup, composite re-ranking and graceful threshold fallback.
package retrieval

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/dossier-rag/dossier/internal/config"
	"github.com/dossier-rag/dossier/internal/log"
	"github.com/dossier-rag/dossier/internal/person"
	"github.com/dossier-rag/dossier/internal/textproc"
	"github.com/dossier-rag/dossier/internal/vectorstore"
)

// Search strategies.
const (
	StrategySemantic = "semantic_isolated"
	StrategyKeyword  = "keyword_isolated"
)

// VectorSearcher is the slice of the vector store the engine needs.
type VectorSearcher interface {
	Query(ctx context.Context, vec []float32, k int, f *vectorstore.Filter) ([]vectorstore.Candidate, error)
	Scan(ctx context.Context, f *vectorstore.Filter, limit int) ([]vectorstore.Candidate, error)
	Count(ctx context.Context) (int64, error)
}

// QueryEmbedder embeds query text.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Request is one retrieval call.
type Request struct {
	Query string
	// TopK caps the result count; 0 uses the configured default.
	TopK int
	// Threshold is the primary similarity cutoff; 0 uses the default.
	Threshold float64
	// TargetPerson activates person isolation.
	TargetPerson string
	// FilterMetadata adds caller equality filters on chunk metadata.
	FilterMetadata map[string]string
}

// Result is one ranked chunk. FinalScore is the composite score when
// re-ranking ran, otherwise the raw similarity; a low FinalScore on a
// fallback result is the caller's low-confidence signal.
type Result struct {
	Content         string
	SimilarityScore float64
	Distance        float64
	DocumentID      string
	SourceFile      string
	ChunkIndex      int
	ChunkType       string
	Metadata        map[string]string
	Strategy        string
	Strategies      []string
	MultiStrategy   bool
	IsolationValid  bool
	FinalScore      float64
	Scoring         *ScoringDetails
}

// ScoringDetails breaks the composite score down for debugging.
type ScoringDetails struct {
	Base               float64
	WordScore          float64
	KeywordScore       float64
	IsolationBonus     float64
	TypeBonus          float64
	MultiStrategyBonus float64
	SectionBonus       float64
	LengthPenalty      float64
}

// Config tunes the engine. The weights are empirically tuned defaults; see
// config.DefaultRerankWeights.
type Config struct {
	TopK             int
	SimilarityMin    float64
	FallbackMin      float64
	KeywordScanLimit int
	KeywordDamping   float64
	EnableHybrid     bool
	EnableReranking  bool
	Weights          config.RerankWeights
}

// Engine runs searches. Stateless across queries; safe for concurrent use.
type Engine struct {
	store    VectorSearcher
	embedder QueryEmbedder
	proc     *textproc.Processor
	cfg      Config
	logger   log.Logger
}

// New creates an Engine.
func New(store VectorSearcher, embedder QueryEmbedder, proc *textproc.Processor, cfg Config, logger log.Logger) *Engine {
	if cfg.TopK <= 0 {
		cfg.TopK = 8
	}
	if cfg.KeywordScanLimit <= 0 {
		cfg.KeywordScanLimit = 1000
	}
	if cfg.KeywordDamping <= 0 {
		cfg.KeywordDamping = 0.8
	}
	return &Engine{store: store, embedder: embedder, proc: proc, cfg: cfg, logger: logger}
}

// Search runs the full retrieval pipeline. A strategy that fails is logged
// and skipped; retrieval degrades to whatever the other strategy found and
// resolves to an empty result list rather than an error when nothing
// matches.
func (e *Engine) Search(ctx context.Context, req Request) ([]Result, error) {
	topK := req.TopK
	if topK <= 0 {
		topK = e.cfg.TopK
	}
	threshold := req.Threshold
	if threshold <= 0 {
		threshold = e.cfg.SimilarityMin
	}

	total, err := e.store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking collection state: %w", err)
	}
	if total == 0 {
		e.logger.Warn("vector collection is empty")
		return nil, nil
	}

	filter := buildIsolationFilter(req.FilterMetadata, req.TargetPerson)
	enriched := enhanceQuery(req.Query, req.TargetPerson)

	vec, err := e.embedder.Embed(ctx, enriched)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if vec == nil {
		e.logger.Warn("query too short to embed", "query", req.Query)
		return nil, nil
	}

	var candidates []Result

	semantic, err := e.semanticSearch(ctx, vec, 2*topK, filter)
	if err != nil {
		e.logger.Warn("semantic strategy failed", "error", err)
	} else {
		candidates = append(candidates, semantic...)
	}

	if e.cfg.EnableHybrid && req.Query != "" {
		keyword, err := e.keywordSearch(ctx, req.Query, req.TargetPerson, topK, filter)
		if err != nil {
			e.logger.Warn("keyword strategy failed", "error", err)
		} else {
			candidates = append(candidates, keyword...)
		}
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	validated := validateIsolation(candidates, req.TargetPerson, e.logger)
	merged := mergeAndDeduplicate(validated)

	if e.cfg.EnableReranking && req.Query != "" {
		e.rerank(req.Query, merged, req.TargetPerson)
	} else {
		for i := range merged {
			merged[i].FinalScore = merged[i].SimilarityScore
		}
		sortByFinalScore(merged)
	}

	final := e.applyThresholds(merged, threshold)
	if len(final) > topK {
		final = final[:topK]
	}
	return final, nil
}

// buildIsolationFilter composes the caller's equality filters with the wide
// OR person filter. The OR is deliberately broad: it trades recall against
// the isolation already embedded in chunk text, and the in-process identity
// predicate re-checks every candidate anyway.
func buildIsolationFilter(meta map[string]string, target string) *vectorstore.Filter {
	f := &vectorstore.Filter{}
	if len(meta) > 0 {
		f.Equals = make(map[string]string, len(meta))
		for k, v := range meta {
			f.Equals[k] = v
		}
	}
	if target == "" {
		if len(f.Equals) == 0 {
			return nil
		}
		return f
	}

	normalized := person.Normalize(target)
	f.Any = []vectorstore.Match{
		{Field: "person_name", Equals: target},
		{Field: "person_name_normalized", Equals: normalized},
	}
	if first := firstWord(target); first != "" {
		f.Any = append(f.Any, vectorstore.Match{
			Field: "person_name", Regex: regexp.QuoteMeta(first),
		})
	}
	if normalized != "" {
		f.Any = append(f.Any, vectorstore.Match{
			Field: "isolation_key", Regex: regexp.QuoteMeta(normalized),
		})
	}
	return f
}

// enhanceQuery prepends the target person when the query does not already
// name them, steering the embedding toward that person's enriched chunks.
func enhanceQuery(query, target string) string {
	if target == "" {
		return query
	}
	if strings.Contains(strings.ToLower(query), strings.ToLower(target)) {
		return query
	}
	return "informations de " + target + " " + query
}

func (e *Engine) semanticSearch(ctx context.Context, vec []float32, k int, f *vectorstore.Filter) ([]Result, error) {
	candidates, err := e.store.Query(ctx, vec, k, f)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		r := fromCandidate(c)
		r.SimilarityScore = vectorstore.Similarity(c.Distance)
		r.Distance = c.Distance
		r.Strategy = StrategySemantic
		r.Strategies = []string{StrategySemantic}
		results = append(results, r)
	}
	e.logger.Debug("semantic strategy", "results", len(results))
	return results, nil
}

// keywordSearch scans a bounded sample under the same isolation filter and
// scores candidates by keyword and word hits. Every candidate is re-checked
// against the identity predicate even though the filter already matched it.
func (e *Engine) keywordSearch(ctx context.Context, query, target string, topK int, f *vectorstore.Filter) ([]Result, error) {
	queryLower := strings.ToLower(query)
	queryKeywords := e.proc.ExtractKeywords(queryLower, 10)
	queryWords := strings.Fields(queryLower)

	candidates, err := e.store.Scan(ctx, f, e.cfg.KeywordScanLimit)
	if err != nil {
		return nil, err
	}

	var results []Result
	for _, c := range candidates {
		if target != "" && !person.Match(c.Metadata["person_name"], c.Metadata["person_name_normalized"], target) {
			continue
		}

		contentLower := strings.ToLower(c.Content)
		metaKeywords := strings.Split(strings.ToLower(c.Metadata["keywords"]), ", ")

		matches := 0
		for _, kw := range queryKeywords {
			for _, mk := range metaKeywords {
				if mk != "" && strings.Contains(mk, kw) {
					matches += 2
					break
				}
			}
			if strings.Contains(contentLower, kw) {
				matches++
			}
		}
		for _, w := range queryWords {
			if len([]rune(w)) > 2 && strings.Contains(contentLower, w) {
				matches++
			}
		}
		if matches == 0 {
			continue
		}

		raw := float64(matches) / float64(len(queryKeywords)+len(queryWords))
		if raw > 1 {
			raw = 1
		}

		r := fromCandidate(c)
		// Damped so a keyword hit never outranks an equal semantic hit.
		r.SimilarityScore = raw * e.cfg.KeywordDamping
		r.Distance = 1 - raw
		r.Strategy = StrategyKeyword
		r.Strategies = []string{StrategyKeyword}
		r.IsolationValid = true
		results = append(results, r)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].SimilarityScore > results[j].SimilarityScore
	})
	if len(results) > topK {
		results = results[:topK]
	}
	e.logger.Debug("keyword strategy", "results", len(results))
	return results, nil
}

// validateIsolation is the final isolation check: every candidate from any
// strategy is re-evaluated against the target, independently of the store
// filter and the keyword re-check. Cross-person leakage must be caught even
// if one of those layers has a bug.
func validateIsolation(results []Result, target string, logger log.Logger) []Result {
	if target == "" {
		for i := range results {
			results[i].IsolationValid = true
		}
		return results
	}

	validated := results[:0]
	for _, r := range results {
		if person.Match(r.Metadata["person_name"], r.Metadata["person_name_normalized"], target) {
			r.IsolationValid = true
			validated = append(validated, r)
			continue
		}
		logger.Debug("result filtered by isolation",
			"person", r.Metadata["person_name"], "target", target)
	}
	return validated
}

// mergeAndDeduplicate groups results by (document, chunk index, person),
// keeping the best similarity and the set of contributing strategies.
func mergeAndDeduplicate(results []Result) []Result {
	byKey := make(map[string]*Result)
	order := make([]string, 0, len(results))

	for _, r := range results {
		key := fmt.Sprintf("%s_%d_%s", r.DocumentID, r.ChunkIndex, r.Metadata["person_name"])
		existing, seen := byKey[key]
		if !seen {
			r := r
			byKey[key] = &r
			order = append(order, key)
			continue
		}

		if r.SimilarityScore > existing.SimilarityScore {
			existing.SimilarityScore = r.SimilarityScore
			existing.Distance = r.Distance
			existing.Strategy = r.Strategy
		}
		if !containsString(existing.Strategies, r.Strategy) {
			existing.Strategies = append(existing.Strategies, r.Strategy)
		}
		existing.MultiStrategy = len(existing.Strategies) > 1
	}

	merged := make([]Result, 0, len(byKey))
	for _, key := range order {
		merged = append(merged, *byKey[key])
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].SimilarityScore > merged[j].SimilarityScore
	})
	return merged
}

// rerank computes the composite score for each result in place and sorts
// descending. All terms are additive and the final value is clamped to
// [0, 1].
func (e *Engine) rerank(query string, results []Result, target string) {
	w := e.cfg.Weights

	queryLower := strings.ToLower(query)
	queryWords := toSet(strings.Fields(queryLower))
	queryKeywords := toSet(e.proc.ExtractKeywords(queryLower, 10))

	for i := range results {
		r := &results[i]
		contentLower := strings.ToLower(r.Content)

		contentWords := toSet(strings.Fields(contentLower))
		wordOverlap := 0
		for qw := range queryWords {
			if _, ok := contentWords[qw]; ok {
				wordOverlap++
			}
		}
		wordScore := float64(wordOverlap) / float64(max(len(queryWords), 1))

		keywordScore := 0.0
		if len(queryKeywords) > 0 {
			docKeywords := toSet(strings.Split(strings.ToLower(r.Metadata["keywords"]), ", "))
			overlap := 0
			for kw := range queryKeywords {
				if _, ok := docKeywords[kw]; ok {
					overlap++
				}
			}
			keywordScore = float64(overlap) / float64(len(queryKeywords))
		}

		isolationBonus := 0.0
		if target != "" {
			name := strings.ToLower(r.Metadata["person_name"])
			if name != "" && strings.Contains(name, strings.ToLower(target)) {
				isolationBonus = w.IsolationContains
			}
			if name == strings.ToLower(target) {
				isolationBonus += w.IsolationExact
			}
		}

		typeBonus := 0.0
		switch r.ChunkType {
		case "skills":
			typeBonus = w.TypeSkills
		case "experience":
			typeBonus = w.TypeExperience
		case "project":
			typeBonus = w.TypeProject
		case "education", "certification":
			typeBonus = w.TypeCredential
		}

		multiBonus := 0.0
		if r.MultiStrategy {
			multiBonus = w.MultiStrategy
		}

		sectionBonus := 0.0
		sectionLower := strings.ToLower(r.Metadata["section_title"])
		for qw := range queryWords {
			if sectionLower != "" && strings.Contains(sectionLower, qw) {
				sectionBonus += w.SectionWord
			}
		}

		lengthPenalty := 0.0
		switch n := len(r.Content); {
		case n < 50:
			lengthPenalty = w.TinyPenalty
		case n < 100:
			lengthPenalty = w.ShortPenalty
		}

		score := r.SimilarityScore*w.BaseSimilarity +
			wordScore*w.WordOverlap +
			keywordScore*w.KeywordOverlap +
			isolationBonus + typeBonus + multiBonus + sectionBonus + lengthPenalty

		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}

		r.FinalScore = score
		r.Scoring = &ScoringDetails{
			Base:               r.SimilarityScore,
			WordScore:          wordScore,
			KeywordScore:       keywordScore,
			IsolationBonus:     isolationBonus,
			TypeBonus:          typeBonus,
			MultiStrategyBonus: multiBonus,
			SectionBonus:       sectionBonus,
			LengthPenalty:      lengthPenalty,
		}
	}

	sortByFinalScore(results)
}

// applyThresholds drops results below the primary threshold; if fewer than
// 2 remain it retries with the fallback threshold, and as a last resort
// returns the top 2 by score so retrieval degrades gracefully instead of
// returning nothing when any signal exists.
func (e *Engine) applyThresholds(results []Result, threshold float64) []Result {
	keep := func(min float64) []Result {
		var out []Result
		for _, r := range results {
			if r.FinalScore >= min {
				out = append(out, r)
			}
		}
		return out
	}

	final := keep(threshold)
	if len(final) >= 2 || len(results) == 0 {
		return final
	}

	e.logger.Debug("primary threshold too strict, using fallback",
		"threshold", threshold, "fallback", e.cfg.FallbackMin)
	final = keep(e.cfg.FallbackMin)
	if len(final) > 0 {
		return final
	}

	e.logger.Debug("no candidate cleared any threshold, returning top 2")
	if len(results) > 2 {
		return results[:2]
	}
	return results
}

func fromCandidate(c vectorstore.Candidate) Result {
	sourceFile := c.Metadata["source_file"]
	if sourceFile == "" {
		sourceFile = c.Metadata["filename"]
	}
	if sourceFile == "" {
		sourceFile = "Unknown"
	}
	chunkIndex, _ := strconv.Atoi(c.Metadata["chunk_index"])
	chunkType := c.Metadata["chunk_type"]
	if chunkType == "" {
		chunkType = "general"
	}
	return Result{
		Content:    c.Content,
		DocumentID: c.DocumentID,
		SourceFile: sourceFile,
		ChunkIndex: chunkIndex,
		ChunkType:  chunkType,
		Metadata:   c.Metadata,
	}
}

func sortByFinalScore(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].FinalScore > results[j].FinalScore
	})
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		if s != "" {
			set[s] = struct{}{}
		}
	}
	return set
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
