package chunk

import (
	"regexp"
	"strings"
	"unicode"
)

// Section is a titled span of document text.
type Section struct {
	Title   string
	Content string
	Start   int // first content line
	End     int // line after the last content line
}

// SectionDetector finds titled sections in a document. Implementations can
// swap in different heading heuristics without touching the chunk pipeline.
type SectionDetector interface {
	// Detect returns the document's sections in order. Sections whose body
	// is at most minLength characters are dropped. An empty result means
	// the document has no recognizable structure.
	Detect(content string, minLength int) []Section
}

var headingPatterns = []*regexp.Regexp{
	// all-caps short line
	regexp.MustCompile(`^([A-ZÀÂÄÉÈÊËÏÎÔÖÙÛÜŸÇ\s]{3,50}):?\s*$`),
	// roman-numeral header
	regexp.MustCompile(`^\s*([IVX]+[.)]\s+[A-ZÀÂÄÉÈÊËÏÎÔÖÙÛÜŸÇ][A-Za-zàâäéèêëïîôöùûüÿç\s]{5,50})`),
	// numbered header
	regexp.MustCompile(`^\s*([0-9]+[.)]\s+[A-ZÀÂÄÉÈÊËÏÎÔÖÙÛÜŸÇ][A-Za-zàâäéèêëïîôöùûüÿç\s]{5,50})`),
	// recognized section names
	regexp.MustCompile(`^\s*(FORMATION|EXPÉRIENCE|COMPÉTENCES|PROJETS|CERTIFICATIONS|LANGUES|CONTACT|PROFIL|OBJECTIF|DIPLÔMES)S?\s*:?\s*$`),
	regexp.MustCompile(`^\s*(Formation|Expérience|Compétences|Projets|Certifications|Langues|Contact|Profil|Objectif|Diplômes)s?\s*:?\s*$`),
}

var yearPattern = regexp.MustCompile(`\d{4}`)

// RegexSectionDetector is the default heading heuristic.
type RegexSectionDetector struct{}

// NewRegexSectionDetector returns the default detector.
func NewRegexSectionDetector() *RegexSectionDetector { return &RegexSectionDetector{} }

// Detect splits content on heading-like lines. Content before the first
// heading becomes an "Introduction" section.
func (d *RegexSectionDetector) Detect(content string, minLength int) []Section {
	lines := strings.Split(content, "\n")

	var sections []Section
	current := Section{Title: "Introduction", Start: 0}
	var body strings.Builder

	flush := func(end int) {
		current.Content = body.String()
		current.End = end
		if len(strings.TrimSpace(current.Content)) > minLength {
			sections = append(sections, current)
		}
		body.Reset()
	}

	for i, line := range lines {
		stripped := strings.TrimSpace(line)
		if stripped == "" {
			continue
		}

		if title, ok := headingTitle(stripped); ok {
			if strings.TrimSpace(body.String()) != "" {
				flush(i)
			} else {
				body.Reset()
			}
			current = Section{Title: titleCase(title), Start: i + 1}
			continue
		}

		body.WriteString(line)
		body.WriteString("\n")
	}
	flush(len(lines))

	return sections
}

// headingTitle tests a stripped line against the heading patterns. Titles
// shorter than 5 characters, longer than 50, or containing a year are
// rejected (date lines in all caps are common in the corpus).
func headingTitle(line string) (string, bool) {
	for _, p := range headingPatterns {
		m := p.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		title := strings.TrimSpace(m[1])
		if len(title) >= 5 && len(title) <= 50 && !yearPattern.MatchString(title) {
			return title, true
		}
	}
	return "", false
}

// titleCase capitalizes the first letter of every word and lowercases the
// rest, so "FORMATION" and "formation" both render as "Formation".
func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
