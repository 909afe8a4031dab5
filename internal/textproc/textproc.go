// Package textproc provides language-agnostic text utilities used by the
// chunking and retrieval pipelines: cleaning, tokenization, language
// detection, keyword extraction and boundary-aware chunking.
//
// Every function is total: malformed or empty input yields empty results,
// never an error or a panic.
package textproc

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

var (
	reWhitespace  = regexp.MustCompile(`\s+`)
	reDisallowed  = regexp.MustCompile(`[^\p{L}\p{N}_\s.!?,;:\-()]`)
	reRepeatDot   = regexp.MustCompile(`\.{2,}`)
	reRepeatBang  = regexp.MustCompile(`!{2,}`)
	reRepeatQuery = regexp.MustCompile(`\?{2,}`)
	reSentenceEnd = regexp.MustCompile(`[.!?]+`)
	reLatinWord   = regexp.MustCompile(`[a-zA-ZÀ-ÿ]+`)
)

var stopWordsFR = map[string]struct{}{
	"le": {}, "de": {}, "et": {}, "à": {}, "un": {}, "il": {}, "être": {},
	"en": {}, "avoir": {}, "que": {}, "pour": {}, "dans": {}, "ce": {},
	"son": {}, "une": {}, "sur": {}, "avec": {}, "ne": {}, "se": {},
	"pas": {}, "tout": {}, "plus": {}, "par": {}, "grand": {}, "je": {},
	"qui": {}, "du": {}, "elle": {}, "au": {},
}

var stopWordsEN = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "in": {},
	"on": {}, "at": {}, "to": {}, "for": {}, "of": {}, "with": {}, "by": {},
	"from": {}, "up": {}, "about": {}, "into": {}, "through": {},
	"during": {}, "before": {}, "after": {}, "above": {}, "below": {},
	"between": {}, "among": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"be": {}, "been": {}, "being": {}, "have": {}, "has": {}, "had": {},
	"do": {}, "does": {}, "did": {}, "will": {}, "would": {}, "could": {},
	"should": {}, "may": {}, "might": {}, "must": {}, "can": {}, "this": {},
	"that": {}, "these": {}, "those": {}, "i": {}, "you": {}, "he": {},
	"she": {}, "it": {}, "we": {}, "they": {}, "me": {}, "him": {},
	"her": {}, "us": {}, "them": {}, "my": {}, "your": {}, "his": {},
	"its": {}, "our": {}, "their": {},
}

// domainKeywords are technical terms matched by substring against lowercased
// chunk content. Order is fixed so extraction stays deterministic.
var domainKeywords = []struct {
	domain string
	terms  []string
}{
	{"web", []string{"html", "css", "javascript", "react", "vue", "angular", "php", "laravel", "django", "flask"}},
	{"mobile", []string{"android", "ios", "react native", "flutter", "kotlin", "swift"}},
	{"data", []string{"python", "r", "machine learning", "data science", "ai", "tensorflow", "pytorch", "pandas"}},
	{"database", []string{"sql", "mysql", "postgresql", "mongodb", "redis", "nosql"}},
	{"devops", []string{"docker", "kubernetes", "aws", "azure", "gcp", "git", "jenkins", "ci/cd"}},
	{"general", []string{"java", "c++", "c#", "python", "api", "rest", "microservices", "agile", "scrum"}},
}

// sectionKeywords are matched only when the section title contains the key.
var sectionKeywords = []struct {
	section string
	terms   []string
}{
	{"formation", []string{"université", "école", "diplôme", "master", "licence", "formation", "étude"}},
	{"expérience", []string{"stage", "emploi", "poste", "entreprise", "société", "travail", "mission"}},
	{"projets", []string{"projet", "développement", "création", "réalisation", "conception", "implémentation"}},
	{"compétences", []string{"compétence", "maîtrise", "connaissance", "expertise", "skill", "niveau"}},
	{"certifications", []string{"certification", "diplôme", "titre", "qualification", "accréditation"}},
}

const maxDomainKeywords = 15

// langCacheLimit bounds the memoized language detections.
const langCacheLimit = 1000

// Processor implements the text utilities. Safe for concurrent use; the
// only mutable state is the language-detection cache.
type Processor struct {
	mu        sync.Mutex
	langCache map[string]string
}

// New returns a ready Processor.
func New() *Processor {
	return &Processor{langCache: make(map[string]string)}
}

// Clean collapses whitespace. When aggressive it also strips characters
// outside letters, digits, whitespace and basic punctuation, and collapses
// repeated sentence punctuation.
func (p *Processor) Clean(text string, aggressive bool) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if aggressive {
		text = reWhitespace.ReplaceAllString(text, " ")
		text = reDisallowed.ReplaceAllString(text, "")
		text = reRepeatDot.ReplaceAllString(text, ".")
		text = reRepeatBang.ReplaceAllString(text, "!")
		text = reRepeatQuery.ReplaceAllString(text, "?")
	}
	return strings.TrimSpace(text)
}

// DetectLanguage returns "fr" or "en" via stopword overlap, or "" for texts
// under 10 characters after trimming. Ties and unknown vocabularies default
// to French since the indexed corpus is predominantly French.
func (p *Processor) DetectLanguage(text string) string {
	if len(strings.TrimSpace(text)) < 10 {
		return ""
	}

	p.mu.Lock()
	if lang, ok := p.langCache[text]; ok {
		p.mu.Unlock()
		return lang
	}
	p.mu.Unlock()

	var fr, en int
	for _, w := range strings.Fields(strings.ToLower(text)) {
		if _, ok := stopWordsFR[w]; ok {
			fr++
		}
		if _, ok := stopWordsEN[w]; ok {
			en++
		}
	}

	lang := "fr"
	if en > fr {
		lang = "en"
	}

	p.mu.Lock()
	if len(p.langCache) >= langCacheLimit {
		p.langCache = make(map[string]string)
	}
	p.langCache[text] = lang
	p.mu.Unlock()
	return lang
}

// TokenizeWords lowercases, extracts alphabetic runs including accented
// Latin letters, removes stopwords for the language and drops tokens under
// 2 characters.
func (p *Processor) TokenizeWords(text, language string) []string {
	if text == "" {
		return nil
	}
	cleaned := strings.ToLower(p.Clean(text, true))
	words := reLatinWord.FindAllString(cleaned, -1)

	stop := stopWordsFR
	if language == "en" {
		stop = stopWordsEN
	}

	tokens := make([]string, 0, len(words))
	for _, w := range words {
		if _, skip := stop[w]; skip {
			continue
		}
		if len([]rune(w)) < 2 {
			continue
		}
		tokens = append(tokens, w)
	}
	return tokens
}

// TokenizeSentences splits on runs of sentence punctuation and drops
// fragments of 5 characters or fewer.
func (p *Processor) TokenizeSentences(text string) []string {
	if text == "" {
		return nil
	}
	cleaned := p.Clean(text, true)
	parts := reSentenceEnd.Split(cleaned, -1)

	sentences := make([]string, 0, len(parts))
	for _, s := range parts {
		s = strings.TrimSpace(s)
		if len(s) > 5 {
			sentences = append(sentences, s)
		}
	}
	return sentences
}

// ExtractKeywords returns the most frequent tokens of at least 3 characters,
// capped at max, ordered by descending frequency with first-seen order
// breaking ties.
func (p *Processor) ExtractKeywords(text string, max int) []string {
	if text == "" || max <= 0 {
		return nil
	}
	lang := p.DetectLanguage(text)
	if lang == "" {
		lang = "fr"
	}

	freq := make(map[string]int)
	firstSeen := make(map[string]int)
	for i, w := range p.TokenizeWords(text, lang) {
		if len([]rune(w)) < 3 {
			continue
		}
		if _, ok := firstSeen[w]; !ok {
			firstSeen[w] = i
		}
		freq[w]++
	}

	words := make([]string, 0, len(freq))
	for w := range freq {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if freq[words[i]] != freq[words[j]] {
			return freq[words[i]] > freq[words[j]]
		}
		return firstSeen[words[i]] < firstSeen[words[j]]
	})

	if len(words) > max {
		words = words[:max]
	}
	return words
}

// Chunk splits text into sentence-boundary-aware chunks of at most size
// characters. Consecutive chunks share a soft suffix overlap of overlap
// characters. A single sentence longer than size is split on word
// boundaries. Text that already fits is returned as a single chunk.
func (p *Processor) Chunk(text string, size, overlap int) []string {
	if text == "" {
		return nil
	}
	if size <= 0 || len(text) <= size {
		return []string{text}
	}

	var chunks []string
	current := ""

	for _, sentence := range p.TokenizeSentences(text) {
		if len(current)+len(sentence)+1 > size {
			if current != "" {
				chunks = append(chunks, strings.TrimSpace(current))
				if len(current) > overlap && overlap > 0 {
					current = current[len(current)-overlap:] + " " + sentence
				} else {
					current = sentence
				}
				continue
			}
			if len(sentence) > size {
				current = splitLongSentence(sentence, size, &chunks)
				continue
			}
			current = sentence
			continue
		}
		if current == "" {
			current = sentence
		} else {
			current += " " + sentence
		}
	}

	if strings.TrimSpace(current) != "" {
		chunks = append(chunks, strings.TrimSpace(current))
	}

	out := chunks[:0]
	for _, c := range chunks {
		if strings.TrimSpace(c) != "" {
			out = append(out, c)
		}
	}
	return out
}

// splitLongSentence word-splits an oversized sentence, appending every full
// piece to chunks and returning the unfinished tail.
func splitLongSentence(sentence string, size int, chunks *[]string) string {
	temp := ""
	for _, word := range strings.Fields(sentence) {
		if len(temp)+len(word)+1 > size {
			if temp != "" {
				*chunks = append(*chunks, strings.TrimSpace(temp))
			}
			temp = word
		} else if temp == "" {
			temp = word
		} else {
			temp += " " + word
		}
	}
	return temp
}

// DomainKeywords scans lowercased text for known technical terms, plus
// section-scoped vocabulary when the section title names a recognized
// section. The result is deduplicated in scan order and capped at 15.
func (p *Processor) DomainKeywords(text, sectionTitle string) []string {
	if text == "" {
		return nil
	}
	lower := strings.ToLower(text)
	sectionLower := strings.ToLower(sectionTitle)

	seen := make(map[string]struct{})
	var keywords []string
	add := func(term string) {
		if _, dup := seen[term]; dup {
			return
		}
		seen[term] = struct{}{}
		keywords = append(keywords, term)
	}

	for _, d := range domainKeywords {
		for _, term := range d.terms {
			if strings.Contains(lower, term) {
				add(term)
			}
		}
	}
	for _, s := range sectionKeywords {
		if !strings.Contains(sectionLower, s.section) {
			continue
		}
		for _, term := range s.terms {
			if strings.Contains(lower, term) {
				add(term)
			}
		}
	}

	if len(keywords) > maxDomainKeywords {
		keywords = keywords[:maxDomainKeywords]
	}
	return keywords
}

// WordOverlap returns the Jaccard overlap of the token sets of two texts.
// Used by the re-ranking score.
func (p *Processor) WordOverlap(a, b string) float64 {
	wa := p.TokenizeWords(a, "fr")
	wb := p.TokenizeWords(b, "fr")
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(wa))
	for _, w := range wa {
		setA[w] = struct{}{}
	}
	setB := make(map[string]struct{}, len(wb))
	for _, w := range wb {
		setB[w] = struct{}{}
	}
	inter := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
