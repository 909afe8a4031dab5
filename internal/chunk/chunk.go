// Package chunk turns raw document text into enriched, isolation-tagged
// chunks ready for embedding.
//
// Every chunk's embeddable text carries the owning person's identity inside
// the text itself (isolation prefix, context header, content delimiters).
// Embedding these markers pushes chunks from different people apart in
// vector space even when their content is topically similar, which is the
// first layer of the person-isolation guarantee.
package chunk

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dossier-rag/dossier/internal/log"
	"github.com/dossier-rag/dossier/internal/person"
	"github.com/dossier-rag/dossier/internal/textproc"
)

// Chunk is the atomic retrieval unit produced by the Builder.
type Chunk struct {
	// ID is globally unique across re-indexing runs.
	ID string
	// Text is the enriched string that gets embedded.
	Text string
	// OriginalText is the unenriched segment, kept for display.
	OriginalText string
	Type         string
	SectionTitle string
	Keywords     []string
	Index        int
	Metadata     map[string]string
}

// Recognized chunk types.
const (
	TypeEducation     = "education"
	TypeExperience    = "experience"
	TypeProject       = "project"
	TypeSkills        = "skills"
	TypeCertification = "certification"
	TypeContact       = "contact"
	TypeLanguages     = "languages"
	TypePersonalInfo  = "personal_info"
	TypeGeneral       = "general"
)

// typeLabels are the French TYPE markers embedded in the context header.
var typeLabels = map[string]string{
	TypeEducation:     "FORMATION_ET_EDUCATION",
	TypeExperience:    "EXPERIENCE_PROFESSIONNELLE",
	TypeProject:       "PROJETS_ET_REALISATIONS",
	TypeSkills:        "COMPETENCES_ET_EXPERTISE",
	TypeCertification: "CERTIFICATIONS_ET_DIPLOMES",
	TypeContact:       "INFORMATIONS_CONTACT",
	TypeLanguages:     "LANGUES",
	TypePersonalInfo:  "INFORMATIONS_PERSONNELLES",
	TypeGeneral:       "INFORMATIONS_GENERALES",
}

// typeKeywords classify an untitled chunk by vocabulary hits. Evaluation
// order is fixed so ties resolve deterministically.
var typeKeywords = []struct {
	chunkType string
	terms     []string
}{
	{TypeEducation, []string{"formation", "diplôme", "université", "école", "master", "licence", "baccalauréat", "étude", "cursus"}},
	{TypeExperience, []string{"stage", "expérience", "emploi", "poste", "entreprise", "société", "travail", "mission", "responsabilité"}},
	{TypeProject, []string{"projet", "réalisation", "développement", "création", "conception", "implémentation", "application", "site web"}},
	{TypeSkills, []string{"compétence", "skill", "maîtrise", "connaissance", "expertise", "niveau", "langage", "outil", "technologie"}},
	{TypeCertification, []string{"certification", "diplôme", "titre", "qualification", "accréditation", "attestation"}},
	{TypeContact, []string{"contact", "téléphone", "email", "adresse", "linkedin", "github", "@", "mail"}},
	{TypeLanguages, []string{"langue", "anglais", "français", "espagnol", "arabe", "niveau", "bilingue", "courant"}},
	{TypePersonalInfo, []string{"nom", "âge", "nationalité", "situation", "permis", "véhicule"}},
}

// sectionTypeMapping maps a recognized section title to its chunk type.
var sectionTypeMapping = []struct {
	key       string
	chunkType string
}{
	{"formation", TypeEducation},
	{"expérience", TypeExperience},
	{"compétences", TypeSkills},
	{"projets", TypeProject},
	{"certifications", TypeCertification},
	{"contact", TypeContact},
	{"langues", TypeLanguages},
	{"profil", "profile"},
	{"objectif", "objective"},
}

// atomicSections are kept as a single chunk regardless of length.
var atomicSections = map[string]struct{}{
	"contact": {}, "langues": {}, "certifications": {},
}

const (
	minContentChunk  = 20
	minSectionChunk  = 15
	fallbackSize     = 500
	fallbackOverlap  = 50
	previewLength    = 200
	unknownPersonTag = "PERSONNE_INCONNUE"
)

// Config controls chunk sizing.
type Config struct {
	Size             int
	Overlap          int
	MinSectionLength int
}

// Builder produces chunks for a document.
type Builder struct {
	proc      *textproc.Processor
	extractor person.Extractor
	detector  SectionDetector
	cfg       Config
	logger    log.Logger
	now       func() time.Time
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock overrides the timestamp source used for chunk ids.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// WithSectionDetector replaces the default regex section detector.
func WithSectionDetector(d SectionDetector) Option {
	return func(b *Builder) { b.detector = d }
}

// NewBuilder returns a Builder.
func NewBuilder(proc *textproc.Processor, extractor person.Extractor, cfg Config, logger log.Logger, opts ...Option) *Builder {
	if cfg.Size <= 0 {
		cfg.Size = 1000
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 0
	}
	if cfg.MinSectionLength <= 0 {
		cfg.MinSectionLength = 50
	}
	b := &Builder{
		proc:      proc,
		extractor: extractor,
		detector:  NewRegexSectionDetector(),
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build splits content into enriched chunks. It never fails: if anything in
// the section pipeline panics on a parse anomaly, it falls back to bare
// isolation-tagged chunking so indexing can proceed.
func (b *Builder) Build(content, documentID string, custom map[string]any) []Chunk {
	info := b.extractor.Extract(content, stringValues(custom))
	prefix := isolationPrefix(info, documentID)

	chunks := b.buildSafe(content, documentID, info, prefix)

	ts := b.now().Format("20060102_150405")
	for i := range chunks {
		chunks[i].Index = i
		chunks[i].ID = fmt.Sprintf("%s_%d_%s", documentID, i, ts)
		chunks[i].Metadata = b.metadata(&chunks[i], content, documentID, info, custom)
	}
	return chunks
}

func (b *Builder) buildSafe(content, documentID string, info person.Info, prefix string) (chunks []Chunk) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("chunking failed, falling back to basic isolation chunking",
				"document_id", documentID, "panic", r)
			chunks = b.fallbackChunks(content, documentID, info)
		}
	}()

	if header, ok := b.personalInfoChunk(info, prefix); ok {
		chunks = append(chunks, header)
	}

	sections := b.detector.Detect(content, b.cfg.MinSectionLength)
	if len(sections) == 0 {
		b.logger.Debug("no sections detected, chunking raw content", "document_id", documentID)
		for _, text := range b.proc.Chunk(content, b.cfg.Size, b.cfg.Overlap) {
			if len(strings.TrimSpace(text)) < minContentChunk {
				continue
			}
			chunks = append(chunks, b.contentChunk(text, "", info, prefix))
		}
		return chunks
	}

	for _, section := range sections {
		chunks = append(chunks, b.sectionChunks(section, info, prefix)...)
	}
	return chunks
}

// personalInfoChunk synthesizes the identity header chunk (index 0). It
// makes identity facts retrievable even when they sit nowhere near the
// relevant passage in the source document.
func (b *Builder) personalInfoChunk(info person.Info, prefix string) (Chunk, bool) {
	if !info.HasName() && info.School == "" && info.Specialty == "" {
		return Chunk{}, false
	}

	lines := []string{"=== INFORMATIONS PERSONNELLES ==="}
	if info.HasName() {
		lines = append(lines,
			"Nom de l'étudiant: "+info.Name,
			"Étudiant ingénieur: "+info.Name)
	}
	if info.School != "" {
		lines = append(lines, "École: "+info.School)
	}
	if info.Specialty != "" {
		lines = append(lines, "Spécialisation: "+info.Specialty)
	}
	if info.HasName() {
		summary := "L'étudiant ingénieur " + info.Name
		if info.School != "" {
			summary += " étudie à " + info.School
		}
		if info.Specialty != "" {
			summary += " en spécialisation " + info.Specialty
		}
		lines = append(lines, summary+".")
	}

	text := strings.Join(lines, "\n")
	c := Chunk{
		OriginalText: text,
		Type:         TypePersonalInfo,
		Keywords:     nil,
	}
	c.Text = enrich(text, info, nil, TypePersonalInfo, prefix, "")
	return c, true
}

func (b *Builder) sectionChunks(section Section, info person.Info, prefix string) []Chunk {
	body := strings.TrimSpace(section.Content)
	titleLower := strings.ToLower(section.Title)

	size, overlap := b.cfg.Size, b.cfg.Overlap
	if _, atomic := atomicSections[titleLower]; atomic {
		size, overlap = len(body), 0
	}

	var parts []string
	if len(body) <= size {
		parts = []string{body}
	} else {
		parts = b.proc.Chunk(body, size, overlap)
	}

	var chunks []Chunk
	for _, text := range parts {
		if len(strings.TrimSpace(text)) < minSectionChunk {
			continue
		}
		chunks = append(chunks, b.contentChunk(text, section.Title, info, prefix))
	}
	return chunks
}

func (b *Builder) contentChunk(text, sectionTitle string, info person.Info, prefix string) Chunk {
	keywords := b.proc.DomainKeywords(text, sectionTitle)
	chunkType := classify(sectionTitle, text)
	return Chunk{
		Text:         enrich(text, info, keywords, chunkType, prefix, sectionTitle),
		OriginalText: text,
		Type:         chunkType,
		SectionTitle: sectionTitle,
		Keywords:     keywords,
	}
}

// fallbackChunks is the minimal last-resort path: raw chunking with only an
// isolation tag so the document still indexes.
func (b *Builder) fallbackChunks(content, documentID string, info person.Info) []Chunk {
	name := info.Name
	if name == "" {
		name = "INCONNU"
	}
	prefix := fmt.Sprintf("[DOCUMENT:%s|PERSONNE:%s]", documentID, name)

	var chunks []Chunk
	for _, text := range b.proc.Chunk(content, fallbackSize, fallbackOverlap) {
		if len(strings.TrimSpace(text)) <= 10 {
			continue
		}
		chunks = append(chunks, Chunk{
			Text:         prefix + "\n" + text,
			OriginalText: text,
			Type:         TypeGeneral,
		})
	}
	return chunks
}

func (b *Builder) metadata(c *Chunk, content, documentID string, info person.Info, custom map[string]any) map[string]string {
	norm := info.NameNormalized
	if norm == "" {
		norm = "unknown"
	}

	preview := c.OriginalText
	if len(preview) > previewLength {
		preview = preview[:previewLength] + "..."
	}

	keywords := c.Keywords
	if len(keywords) > 10 {
		keywords = keywords[:10]
	}

	meta := map[string]string{
		"document_id":            documentID,
		"chunk_id":               c.ID,
		"chunk_index":            strconv.Itoa(c.Index),
		"chunk_size":             strconv.Itoa(len(c.OriginalText)),
		"timestamp":              b.now().Format(time.RFC3339),
		"chunk_type":             c.Type,
		"section_title":          c.SectionTitle,
		"keywords":               strings.Join(keywords, ", "),
		"content_preview":        preview,
		"person_name":            info.Name,
		"person_name_normalized": info.NameNormalized,
		"person_email":           info.Email,
		"person_phone":           info.Phone,
		"document_type":          info.DocumentType,
		"isolation_key":          documentID + "_" + norm,
		"document_context": fmt.Sprintf("Document de %s - %s",
			orDefault(info.Name, "personne inconnue"), c.Type),
		"unique_document_signature": documentID + "_" + contentSignature(content),
	}

	for k, v := range Flatten(custom) {
		if _, taken := meta[k]; !taken {
			meta[k] = v
		}
	}
	return meta
}

// isolationPrefix builds the identity tag embedded at the top of every
// chunk's text. Absent fields are omitted.
func isolationPrefix(info person.Info, documentID string) string {
	parts := []string{"DOCUMENT_ID:" + documentID}
	if info.HasName() {
		parts = append(parts, "PERSONNE:"+info.Name)
	}
	if info.Email != "" {
		parts = append(parts, "EMAIL:"+info.Email)
	}
	return "[" + strings.Join(parts, "|") + "]"
}

// enrich assembles the embeddable chunk text: isolation prefix, context
// header, then the original segment between named delimiters.
func enrich(text string, info person.Info, keywords []string, chunkType, prefix, sectionTitle string) string {
	name := info.Name
	if name == "" {
		name = unknownPersonTag
	}

	context := []string{"CANDIDAT: " + name}
	if sectionTitle != "" {
		context = append(context, "SECTION: "+sectionTitle)
	}
	if label, ok := typeLabels[chunkType]; ok {
		context = append(context, "TYPE: "+label)
	}
	if len(keywords) > 0 {
		main := keywords
		if len(main) > 5 {
			main = main[:5]
		}
		context = append(context, "MOTS_CLES: "+strings.Join(main, ", "))
	}

	return prefix + "\n" +
		"[" + strings.Join(context, " | ") + "]\n" +
		"--- CONTENU DE " + name + " ---\n" +
		text +
		"\n--- FIN CONTENU " + name + " ---"
}

// classify determines a chunk's type: a recognized section title wins,
// otherwise the vocabulary with the most hits in the lowercased text.
func classify(sectionTitle, text string) string {
	if sectionTitle != "" {
		lower := strings.ToLower(sectionTitle)
		for _, m := range sectionTypeMapping {
			if strings.Contains(lower, m.key) {
				return m.chunkType
			}
		}
	}

	lower := strings.ToLower(text)
	best, bestScore := TypeGeneral, 0
	for _, tk := range typeKeywords {
		score := 0
		for _, term := range tk.terms {
			if strings.Contains(lower, term) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = tk.chunkType, score
		}
	}
	return best
}

// Flatten converts caller-supplied custom metadata to string values. Nested
// maps flatten with underscore-joined keys; slices join with commas.
func Flatten(custom map[string]any) map[string]string {
	out := make(map[string]string, len(custom))
	flattenInto(out, "", custom)
	return out
}

func flattenInto(out map[string]string, parent string, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		key := k
		if parent != "" {
			key = parent + "_" + k
		}
		switch v := m[k].(type) {
		case map[string]any:
			flattenInto(out, key, v)
		case []string:
			out[key] = strings.Join(v, ",")
		case []any:
			parts := make([]string, len(v))
			for i, item := range v {
				parts[i] = fmt.Sprint(item)
			}
			out[key] = strings.Join(parts, ",")
		case nil:
			out[key] = ""
		default:
			out[key] = fmt.Sprint(v)
		}
	}
}

func stringValues(custom map[string]any) map[string]string {
	if len(custom) == 0 {
		return nil
	}
	out := make(map[string]string, len(custom))
	for k, v := range custom {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func contentSignature(content string) string {
	head := content
	if len(head) > 500 {
		head = head[:500]
	}
	h := fnv.New32a()
	h.Write([]byte(head))
	return strconv.Itoa(int(h.Sum32() % 10000))
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
