// Package person extracts the owning entity of a document (name, contact
// details, affiliations) and defines the identity predicate used to keep
// retrieval results isolated per person.
package person

import (
	"regexp"
	"strings"
	"unicode"
)

// Info describes a document's owning entity. Derived once per document and
// stamped onto every chunk; never persisted on its own.
type Info struct {
	Name           string
	NameNormalized string
	Email          string
	Phone          string
	School         string
	Specialty      string
	DocumentType   string
}

// HasName reports whether a name was extracted.
func (i Info) HasName() bool { return i.Name != "" }

// Extractor finds a document's owning entity. Implementations must be pure:
// the same content and metadata always yield the same Info.
type Extractor interface {
	Extract(content string, meta map[string]string) Info
}

// headerLines bounds the name scan to the top of the document.
const headerLines = 15

var namePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\s*([A-ZÀ-Ÿ][a-zà-ÿ]+(?:\s+[A-ZÀ-Ÿ][a-zà-ÿ]+){1,3})\s*$`),
	regexp.MustCompile(`(?i)Nom\s*:?\s*([A-ZÀ-Ÿ][a-zà-ÿ]+(?:\s+[A-ZÀ-Ÿ][a-zà-ÿ]+)+)`),
	regexp.MustCompile(`(?i)Name\s*:?\s*([A-ZÀ-Ÿ][a-zà-ÿ]+(?:\s+[A-ZÀ-Ÿ][a-zà-ÿ]+)+)`),
	regexp.MustCompile(`(?i)Prénom\s+et\s+nom\s*:?\s*([A-ZÀ-Ÿ][a-zà-ÿ]+(?:\s+[A-ZÀ-Ÿ][a-zà-ÿ]+)+)`),
	regexp.MustCompile(`(?i)Étudiant\s*:?\s*([A-ZÀ-Ÿ][a-zà-ÿ]+(?:\s+[A-ZÀ-Ÿ][a-zà-ÿ]+)+)`),
	regexp.MustCompile(`الاسم\s*:?\s*([^\n\r]+)`),
	regexp.MustCompile(`^([A-ZÀ-Ÿ]{2,}\s+[A-ZÀ-Ÿ]{2,})\s*$`),
}

var skipPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(CV|CURRICULUM|VITAE|RESUME|CONTACT|FORMATION|EDUCATION|EXPERIENCE|COMPETENCE|SKILL)S?`),
	regexp.MustCompile(`^\d`),
	regexp.MustCompile(`^[@+\-=]`),
	regexp.MustCompile(`^[0-9]{2}/[0-9]{2}/[0-9]{4}`),
	regexp.MustCompile(`(?i)^Tel:`),
	regexp.MustCompile(`(?i)^Email:`),
	regexp.MustCompile(`(?i)^Page\s+\d+`),
}

var schoolPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ENSA\s+Agadir`),
	regexp.MustCompile(`(?i)École\s+Nationale\s+des\s+Sciences\s+Appliquées?\s+(?:d'|de\s+)?Agadir`),
	regexp.MustCompile(`(?i)National\s+School\s+of\s+Applied\s+Sciences?\s+Agadir`),
	regexp.MustCompile(`(?i)ENSA.*Agadir`),
	regexp.MustCompile(`(?i)Agadir.*ENSA`),
}

var specialtyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Data\s+Science`),
	regexp.MustCompile(`(?i)Sciences?\s+des\s+Données?`),
	regexp.MustCompile(`(?i)Ingénierie\s+des\s+Données`),
	regexp.MustCompile(`(?i)Big\s+Data`),
	regexp.MustCompile(`(?i)Intelligence\s+Artificielle`),
	regexp.MustCompile(`(?i)Machine\s+Learning`),
}

var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

var phonePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:\+33|0)[1-9][0-9]{8}`),
	regexp.MustCompile(`(?:\+212|0)[5-7][0-9]{8}`),
	regexp.MustCompile(`\d{2}[-\s]?\d{2}[-\s]?\d{2}[-\s]?\d{2}[-\s]?\d{2}`),
}

var forbiddenNameWords = map[string]struct{}{
	"curriculum": {}, "vitae": {}, "resume": {}, "contact": {},
	"formation": {}, "education": {}, "experience": {}, "competence": {},
	"skill": {}, "projet": {}, "stage": {}, "telephone": {}, "email": {},
	"adresse": {}, "date": {},
}

var invalidNameChars = regexp.MustCompile(`[0-9@#$%^&*()_+=\[\]{}|\\:";'<>?,./]`)

// RegexExtractor is the default pattern-based Extractor.
type RegexExtractor struct{}

// NewRegexExtractor returns the default extractor.
func NewRegexExtractor() *RegexExtractor { return &RegexExtractor{} }

// Extract scans the document for the owning person's details. Each field is
// independent and first-match-wins; a missing field stays empty.
func (e *RegexExtractor) Extract(content string, meta map[string]string) Info {
	info := Info{DocumentType: "cv"}

	if meta != nil {
		if n := meta["student_name"]; n != "" {
			info.Name = n
		} else if n := meta["name"]; n != "" {
			info.Name = n
		}
	}
	if info.Name == "" {
		info.Name = extractName(content)
	}
	if info.Name != "" {
		info.NameNormalized = Normalize(info.Name)
	}

	for _, p := range schoolPatterns {
		if m := p.FindString(content); m != "" {
			info.School = strings.TrimSpace(m)
			break
		}
	}
	for _, p := range specialtyPatterns {
		if m := p.FindString(content); m != "" {
			info.Specialty = strings.TrimSpace(m)
			break
		}
	}
	info.Email = emailPattern.FindString(content)
	for _, p := range phonePatterns {
		if m := p.FindString(content); m != "" {
			info.Phone = m
			break
		}
	}
	return info
}

// extractName scans the first non-empty header lines, skipping obvious
// section titles and noise, and tests each name pattern in order.
func extractName(content string) string {
	lines := strings.Split(content, "\n")
	if len(lines) > headerLines {
		lines = lines[:headerLines]
	}

scan:
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if len(line) < 3 || len(line) > 60 {
			continue
		}
		for _, skip := range skipPatterns {
			if skip.MatchString(line) {
				continue scan
			}
		}
		for _, p := range namePatterns {
			m := p.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			candidate := strings.TrimSpace(m[1])
			if ValidName(candidate) {
				return candidate
			}
		}
	}
	return ""
}

// ValidName reports whether the candidate looks like a person name: two to
// four capitalized words, no digits or symbols, none of the section
// vocabulary, at most 50 characters.
func ValidName(name string) bool {
	if len(name) < 3 || len(name) > 50 {
		return false
	}
	if !strings.Contains(name, " ") {
		return false
	}
	if invalidNameChars.MatchString(name) {
		return false
	}
	words := strings.Fields(name)
	if len(words) < 2 || len(words) > 4 {
		return false
	}
	for _, w := range words {
		r := []rune(w)
		if !unicode.IsUpper(r[0]) {
			return false
		}
		if _, bad := forbiddenNameWords[strings.ToLower(w)]; bad {
			return false
		}
	}
	return true
}

// Normalize converts a person name to its isolation form: letters only,
// lowercased, words joined with underscores. Idempotent: applying it to its
// own output changes nothing.
func Normalize(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r):
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '_':
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), "_")
}

// Match is the single identity predicate used at every isolation
// enforcement point: the store filter intent, the keyword-scan re-check and
// the final result validation. An empty target matches everything (no
// person filter requested).
//
// A candidate matches when any of these hold:
//   - exact case-insensitive name equality
//   - normalized-name equality
//   - the target is a substring of the name
//   - any target word longer than 2 characters appears in the name
func Match(name, normalized, target string) bool {
	if target == "" {
		return true
	}
	nameLower := strings.ToLower(name)
	targetLower := strings.ToLower(target)

	if nameLower == targetLower {
		return true
	}
	if normalized != "" && normalized == Normalize(target) {
		return true
	}
	if nameLower != "" && strings.Contains(nameLower, targetLower) {
		return true
	}
	for _, part := range strings.Fields(targetLower) {
		if len([]rune(part)) > 2 && strings.Contains(nameLower, part) {
			return true
		}
	}
	return false
}
