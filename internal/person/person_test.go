package person

import "testing"

func TestExtract(t *testing.T) {
	e := NewRegexExtractor()

	tests := []struct {
		name     string
		content  string
		meta     map[string]string
		wantName string
		wantNorm string
	}{
		{
			name:     "title case header line",
			content:  "Jean Dupont\nIngénieur logiciel\nFORMATION\n...",
			wantName: "Jean Dupont",
			wantNorm: "jean_dupont",
		},
		{
			name:     "nom prefix",
			content:  "CURRICULUM VITAE\nNom : Alice Martin\nTel: 0612345678",
			wantName: "Alice Martin",
			wantNorm: "alice_martin",
		},
		{
			name:     "metadata wins over content",
			content:  "Jean Dupont\n",
			meta:     map[string]string{"student_name": "Bob Martin"},
			wantName: "Bob Martin",
			wantNorm: "bob_martin",
		},
		{
			name:     "section headers skipped",
			content:  "FORMATION\nEXPERIENCE PROFESSIONNELLE\nCONTACT\n",
			wantName: "",
		},
		{
			name:     "accented name",
			content:  "Amélie Durand\nÉtudiante en informatique",
			wantName: "Amélie Durand",
			wantNorm: "amélie_durand",
		},
		{
			name:     "no name found",
			content:  "01/02/2023\n+33612345678\ncontact@example.com",
			wantName: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := e.Extract(tt.content, tt.meta)
			if info.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", info.Name, tt.wantName)
			}
			if info.NameNormalized != tt.wantNorm {
				t.Errorf("NameNormalized = %q, want %q", info.NameNormalized, tt.wantNorm)
			}
		})
	}
}

func TestExtractContactAndAffiliation(t *testing.T) {
	e := NewRegexExtractor()
	content := `Sara Alami
Étudiante en Data Science à l'ENSA Agadir
Email: sara.alami@example.ma
Tel: 0612345678`

	info := e.Extract(content, nil)

	if info.Email != "sara.alami@example.ma" {
		t.Errorf("Email = %q", info.Email)
	}
	if info.Phone != "0612345678" {
		t.Errorf("Phone = %q", info.Phone)
	}
	if info.School == "" {
		t.Error("School not detected")
	}
	if info.Specialty != "Data Science" {
		t.Errorf("Specialty = %q, want Data Science", info.Specialty)
	}
}

func TestValidName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{name: "simple name", input: "Jean Dupont", want: true},
		{name: "three words", input: "Jean Pierre Dupont", want: true},
		{name: "single word", input: "Dupont", want: false},
		{name: "too many words", input: "Un Deux Trois Quatre Cinq", want: false},
		{name: "contains digits", input: "Jean Dupont2", want: false},
		{name: "lowercase word", input: "Jean dupont", want: false},
		{name: "forbidden word", input: "Formation Continue", want: false},
		{name: "too long", input: "Jeanjeanjeanjeanjeanjean Dupontdupontdupontdupontdupont", want: false},
		{name: "empty", input: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidName(tt.input); got != tt.want {
				t.Errorf("ValidName(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "basic", input: "Jean Dupont", want: "jean_dupont"},
		{name: "extra spaces", input: "  Jean   Dupont  ", want: "jean_dupont"},
		{name: "hyphen dropped", input: "Jean-Pierre Dupont", want: "jeanpierre_dupont"},
		{name: "digits dropped", input: "Jean Dupont 2024", want: "jean_dupont"},
		{name: "empty", input: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.input)
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
			}
			if again := Normalize(got); again != got {
				t.Errorf("Normalize not idempotent: %q -> %q", got, again)
			}
		})
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		name       string
		personName string
		normalized string
		target     string
		want       bool
	}{
		{name: "empty target matches all", personName: "Bob Martin", target: "", want: true},
		{
			name:       "exact match",
			personName: "Alice Dupont",
			target:     "Alice Dupont",
			want:       true,
		},
		{
			name:       "case insensitive",
			personName: "alice dupont",
			target:     "ALICE DUPONT",
			want:       true,
		},
		{
			name:       "normalized match",
			personName: "",
			normalized: "alice_dupont",
			target:     "Alice  Dupont",
			want:       true,
		},
		{
			name:       "first name only",
			personName: "Alice Dupont",
			target:     "Alice",
			want:       true,
		},
		{
			name:       "target word in name",
			personName: "Alice Marie Dupont",
			target:     "Alice Dupont",
			want:       true,
		},
		{
			name:       "different person",
			personName: "Bob Martin",
			target:     "Alice Dupont",
			want:       false,
		},
		{
			name:       "short word ignored",
			personName: "Bob Li",
			target:     "Al Li",
			want:       false,
		},
		{
			name:   "unknown person vs target",
			target: "Alice Dupont",
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Match(tt.personName, tt.normalized, tt.target)
			if got != tt.want {
				t.Errorf("Match(%q, %q, %q) = %v, want %v",
					tt.personName, tt.normalized, tt.target, got, tt.want)
			}
		})
	}
}
