package chunk

import (
	"strings"
	"testing"
	"time"

	"github.com/dossier-rag/dossier/internal/log"
	"github.com/dossier-rag/dossier/internal/person"
	"github.com/dossier-rag/dossier/internal/textproc"
)

var cvContent = `Jean Dupont
Étudiant en Data Science à l'ENSA Agadir
Email: jean.dupont@example.com

FORMATION
Master en informatique avec spécialisation en science des données, incluant des cours
approfondis de statistiques et de programmation distribuée sur plusieurs années.

COMPETENCES
Maîtrise de Python et Machine Learning. Expertise en Docker et Kubernetes
pour le déploiement des applications en production.
`

func newTestBuilder(t *testing.T, opts ...Option) *Builder {
	t.Helper()
	fixed := func() time.Time {
		return time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	}
	opts = append([]Option{WithClock(fixed)}, opts...)
	return NewBuilder(
		textproc.New(),
		person.NewRegexExtractor(),
		Config{Size: 1000, Overlap: 200, MinSectionLength: 50},
		log.NewNop(),
		opts...,
	)
}

func TestBuildEnrichment(t *testing.T) {
	b := newTestBuilder(t)
	chunks := b.Build(cvContent, "doc-1", nil)
	if len(chunks) < 3 {
		t.Fatalf("expected header + 2 section chunks, got %d", len(chunks))
	}

	t.Run("header chunk first", func(t *testing.T) {
		h := chunks[0]
		if h.Type != TypePersonalInfo {
			t.Errorf("header type = %q, want %q", h.Type, TypePersonalInfo)
		}
		if h.Index != 0 {
			t.Errorf("header index = %d, want 0", h.Index)
		}
		if !strings.Contains(h.OriginalText, "Jean Dupont") {
			t.Errorf("header missing name: %q", h.OriginalText)
		}
	})

	t.Run("isolation prefix and context header", func(t *testing.T) {
		var formation *Chunk
		for i := range chunks {
			if chunks[i].SectionTitle == "Formation" {
				formation = &chunks[i]
				break
			}
		}
		if formation == nil {
			t.Fatal("no Formation chunk")
		}
		for _, want := range []string{
			"[DOCUMENT_ID:doc-1|PERSONNE:Jean Dupont|EMAIL:jean.dupont@example.com]",
			"SECTION: Formation",
			"TYPE: FORMATION_ET_EDUCATION",
			"--- CONTENU DE Jean Dupont ---",
			"--- FIN CONTENU Jean Dupont ---",
		} {
			if !strings.Contains(formation.Text, want) {
				t.Errorf("enriched text missing %q:\n%s", want, formation.Text)
			}
		}
		for _, marker := range []string{"DOCUMENT_ID", "CONTENU", "CANDIDAT"} {
			if strings.Contains(formation.OriginalText, marker) {
				t.Errorf("original text contains enrichment marker %q", marker)
			}
		}
	})

	t.Run("chunk ids and sequential indexes", func(t *testing.T) {
		for i, c := range chunks {
			if c.Index != i {
				t.Errorf("chunk %d has index %d", i, c.Index)
			}
			wantPrefix := "doc-1_"
			if !strings.HasPrefix(c.ID, wantPrefix) || !strings.HasSuffix(c.ID, "_20240115_103000") {
				t.Errorf("chunk id %q not in {document}_{index}_{timestamp} form", c.ID)
			}
		}
	})

	t.Run("isolation metadata", func(t *testing.T) {
		for _, c := range chunks {
			if got := c.Metadata["isolation_key"]; got != "doc-1_jean_dupont" {
				t.Errorf("isolation_key = %q", got)
			}
			if got := c.Metadata["person_name"]; got != "Jean Dupont" {
				t.Errorf("person_name = %q", got)
			}
			if got := c.Metadata["person_name_normalized"]; got != "jean_dupont" {
				t.Errorf("person_name_normalized = %q", got)
			}
		}
	})

	t.Run("skills classified by section", func(t *testing.T) {
		found := false
		for _, c := range chunks {
			if c.SectionTitle == "Competences" && c.Type == TypeSkills {
				found = true
			}
		}
		if !found {
			t.Error("no skills chunk from Competences section")
		}
	})
}

func TestBuildUnknownPerson(t *testing.T) {
	b := newTestBuilder(t)
	content := strings.Repeat("Texte descriptif sans rien d'identifiable dedans. ", 5)
	chunks := b.Build(content, "doc-2", nil)
	if len(chunks) == 0 {
		t.Fatal("no chunks")
	}
	for _, c := range chunks {
		if c.Type == TypePersonalInfo {
			t.Error("header chunk emitted without personal info")
		}
		if !strings.Contains(c.Text, "CANDIDAT: PERSONNE_INCONNUE") {
			t.Errorf("missing unknown-person tag in %q", c.Text)
		}
		if got := c.Metadata["isolation_key"]; got != "doc-2_unknown" {
			t.Errorf("isolation_key = %q, want doc-2_unknown", got)
		}
	}
}

func TestBuildNoSections(t *testing.T) {
	b := newTestBuilder(t)
	content := "Python et développement web en continu."
	chunks := b.Build(content, "doc-3", nil)
	if len(chunks) == 0 {
		t.Fatal("no chunks for unstructured content")
	}
	for _, c := range chunks {
		if c.SectionTitle != "" {
			t.Errorf("unexpected section title %q", c.SectionTitle)
		}
		if !strings.Contains(c.Text, "--- CONTENU DE") {
			t.Error("raw-content chunk not enriched")
		}
	}
}

func TestBuildAtomicSection(t *testing.T) {
	b := NewBuilder(
		textproc.New(),
		person.NewRegexExtractor(),
		Config{Size: 80, Overlap: 10, MinSectionLength: 50},
		log.NewNop(),
	)
	content := `CONTACT
Email professionnel: alice@example.com disponible en semaine.
Téléphone portable: 0612345678 joignable après dix-huit heures.
Adresse postale complète: 12 rue des Lilas, Paris, France.
`
	chunks := b.Build(content, "doc-4", nil)

	contactChunks := 0
	for _, c := range chunks {
		if c.SectionTitle == "Contact" {
			contactChunks++
		}
	}
	if contactChunks != 1 {
		t.Errorf("contact section produced %d chunks, want 1 (atomic)", contactChunks)
	}
}

type panicDetector struct{}

func (panicDetector) Detect(string, int) []Section { panic("boom") }

func TestBuildFallbackOnPanic(t *testing.T) {
	b := newTestBuilder(t, WithSectionDetector(panicDetector{}))
	content := "Jean Dupont\n" + strings.Repeat("Contenu de secours pour le document. ", 10)
	chunks := b.Build(content, "doc-5", nil)
	if len(chunks) == 0 {
		t.Fatal("fallback produced no chunks")
	}
	for _, c := range chunks {
		if !strings.HasPrefix(c.Text, "[DOCUMENT:doc-5|PERSONNE:") {
			t.Errorf("fallback chunk missing isolation tag: %q", c.Text)
		}
		if c.Type != TypeGeneral {
			t.Errorf("fallback chunk type = %q, want general", c.Type)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		section string
		text    string
		want    string
	}{
		{name: "section mapping wins", section: "Formation", text: "stage en entreprise", want: TypeEducation},
		{name: "education keywords", text: "diplôme de master à l'université", want: TypeEducation},
		{name: "experience keywords", text: "stage de six mois en entreprise, poste de développeur", want: TypeExperience},
		{name: "contact keywords", text: "email et téléphone sur linkedin", want: TypeContact},
		{name: "no match", text: "rien de particulier ici", want: TypeGeneral},
		{name: "empty", text: "", want: TypeGeneral},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.section, tt.text); got != tt.want {
				t.Errorf("classify(%q, %q) = %q, want %q", tt.section, tt.text, got, tt.want)
			}
		})
	}
}

func TestFlatten(t *testing.T) {
	got := Flatten(map[string]any{
		"category": "cv",
		"count":    3,
		"tags":     []string{"a", "b"},
		"owner":    map[string]any{"id": "u1", "role": "student"},
		"empty":    nil,
	})

	want := map[string]string{
		"category":   "cv",
		"count":      "3",
		"tags":       "a,b",
		"owner_id":   "u1",
		"owner_role": "student",
		"empty":      "",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("Flatten()[%q] = %q, want %q", k, got[k], v)
		}
	}
}

func TestSectionDetector(t *testing.T) {
	d := NewRegexSectionDetector()

	t.Run("detects sections and introduction", func(t *testing.T) {
		content := `Présentation générale du candidat avec suffisamment de texte pour être gardée comme introduction.

FORMATION
Master en informatique obtenu avec mention, suivi de plusieurs formations complémentaires en ligne.

2. Projets Réalisés
Développement complet d'une application de gestion avec interface moderne et déploiement cloud.
`
		sections := d.Detect(content, 50)
		if len(sections) != 3 {
			titles := make([]string, len(sections))
			for i, s := range sections {
				titles[i] = s.Title
			}
			t.Fatalf("got %d sections %v, want 3", len(sections), titles)
		}
		if sections[0].Title != "Introduction" {
			t.Errorf("first section = %q, want Introduction", sections[0].Title)
		}
		if sections[1].Title != "Formation" {
			t.Errorf("second section = %q, want Formation", sections[1].Title)
		}
	})

	t.Run("short bodies dropped", func(t *testing.T) {
		content := "FORMATION\ncourt\nCONTACT\n" +
			"Coordonnées complètes du candidat avec email et téléphone pour le contacter facilement."
		sections := d.Detect(content, 50)
		if len(sections) != 1 || sections[0].Title != "Contact" {
			t.Fatalf("sections = %+v, want only Contact", sections)
		}
	})

	t.Run("year lines are not headings", func(t *testing.T) {
		content := "FORMATION EN 2020\nSuite du contenu avec assez de longueur pour former une section valide ici même."
		sections := d.Detect(content, 50)
		for _, s := range sections {
			if strings.Contains(s.Title, "2020") {
				t.Errorf("year line became heading %q", s.Title)
			}
		}
	})

	t.Run("no structure", func(t *testing.T) {
		sections := d.Detect("texte court", 50)
		if len(sections) != 0 {
			t.Errorf("sections = %+v, want none", sections)
		}
	})
}
