package cmd

import (
	"strings"
	"testing"

	"github.com/dossier-rag/dossier/internal/retrieval"
)

func TestPreview(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"short text unchanged", "bonjour", 20, "bonjour"},
		{"newlines flattened", "ligne un\nligne deux", 50, "ligne un ligne deux"},
		{"long text truncated", strings.Repeat("a", 30), 10, strings.Repeat("a", 10) + "..."},
		{"accents counted as runes", "ééééé", 3, "ééé..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := preview(tt.in, tt.max); got != tt.want {
				t.Errorf("preview() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildAnswerPrompt(t *testing.T) {
	results := []retrieval.Result{
		{SourceFile: "cv_jean.pdf", Content: "Jean a étudié à l'ENSA."},
		{SourceFile: "lettre_jean.pdf", Content: "Jean cherche un stage."},
	}
	got := buildAnswerPrompt("Où a étudié Jean ?", results)

	for _, want := range []string{
		"[Extrait 1 - cv_jean.pdf]",
		"[Extrait 2 - lettre_jean.pdf]",
		"Jean a étudié à l'ENSA.",
		"Question : Où a étudié Jean ?",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt misses %q:\n%s", want, got)
		}
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := map[string]bool{
		"index": false, "query": false, "documents": false,
		"stats": false, "migrate": false, "version": false,
	}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("command %q not registered", name)
		}
	}
}
