//go:build integration
// +build integration

package document

import (
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dossier-rag/dossier/internal/chunk"
	"github.com/dossier-rag/dossier/internal/log"
	"github.com/dossier-rag/dossier/internal/person"
	"github.com/dossier-rag/dossier/internal/testutil"
	"github.com/dossier-rag/dossier/internal/textproc"
	"github.com/dossier-rag/dossier/internal/vectorstore"
)

// Run with: go test -tags=integration ./internal/document/...
//
// The test starts a pgvector-enabled PostgreSQL container and drives the
// full pipeline against the real schema.

const testDimension = 384

// hashEmbedder derives a deterministic vector from the chunk text so the
// pipeline runs without a live embedding model.
type hashEmbedder struct{}

func (hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, testDimension)
	for i := range vec {
		vec[i] = float32(sum[i%len(sum)]) / 255
	}
	return vec, nil
}

const cvV1 = `Jean Dupont
Email: jean.dupont@example.com

FORMATION
Master en informatique, Universite de Lyon, 2018.
Specialisation en traitement du langage naturel.

COMPETENCES
Python, Go, PostgreSQL, Kubernetes.
Administration du cluster Zeppelin en production.

EXPERIENCE
Ingenieur logiciel chez Exemple SA depuis 2019.
Conception de pipelines de donnees distribues.
`

const cvV2 = `Jean Dupont
Email: jean.dupont@example.com

COMPETENCES
Python, Go, PostgreSQL.

EXPERIENCE
Ingenieur logiciel chez Exemple SA depuis 2019.
`

func TestPipelineReindexAgainstPostgres(t *testing.T) {
	testDB, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	logger := log.NewNop()

	store, err := vectorstore.New(testDB.Pool, testDimension, logger)
	if err != nil {
		t.Fatalf("creating vector store: %v", err)
	}
	builder := chunk.NewBuilder(textproc.New(), person.NewRegexExtractor(), chunk.Config{}, logger)
	pipeline := NewPipeline(testDB.Pool, store, hashEmbedder{}, builder, Config{
		UploadDir:         t.TempDir(),
		MaxFileSize:       1 << 20,
		AllowedExtensions: []string{".txt"},
	}, logger)

	src := filepath.Join(t.TempDir(), "cv.txt")
	if err := os.WriteFile(src, []byte(cvV1), 0o644); err != nil {
		t.Fatalf("writing source file: %v", err)
	}

	res, err := pipeline.Process(ctx, src, ProcessRequest{OwnerID: "owner-1", Category: "cv"})
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if !res.Success || res.ChunkCount == 0 {
		t.Fatalf("Process() = %+v, want success with chunks", res)
	}

	doc, err := pipeline.Get(ctx, res.DocumentID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if doc.Status != StatusCompleted {
		t.Fatalf("document status = %q, want %q", doc.Status, StatusCompleted)
	}

	// Shrink the stored file, then reindex. Chunks from the first run must
	// not survive alongside the new ones.
	if err := os.WriteFile(doc.StoredPath, []byte(cvV2), 0o644); err != nil {
		t.Fatalf("rewriting stored file: %v", err)
	}

	res2, err := pipeline.Reindex(ctx, res.DocumentID)
	if err != nil {
		t.Fatalf("Reindex() error: %v", err)
	}
	if !res2.Success || res2.ChunkCount == 0 {
		t.Fatalf("Reindex() = %+v, want success with chunks", res2)
	}

	survivors, err := store.Scan(ctx, &vectorstore.Filter{
		Equals: map[string]string{"document_id": res.DocumentID},
	}, 100)
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(survivors) != res2.ChunkCount {
		t.Errorf("stored chunks = %d, want %d from the latest run", len(survivors), res2.ChunkCount)
	}
	for _, c := range survivors {
		if strings.Contains(c.Content, "Zeppelin") {
			t.Errorf("chunk %s carries content from the replaced version", c.ID)
		}
	}

	t.Run("query with metadata filters", func(t *testing.T) {
		vec, err := hashEmbedder{}.Embed(ctx, "competences Python")
		if err != nil {
			t.Fatalf("embedding query: %v", err)
		}

		hits, err := store.Query(ctx, vec, 10, &vectorstore.Filter{
			Equals: map[string]string{"owner_id": "owner-1"},
			Any: []vectorstore.Match{
				{Field: "content_preview", Regex: `\mpython\M`},
				{Field: "person_name_normalized", Equals: "jean_dupont"},
			},
		})
		if err != nil {
			t.Fatalf("Query() error: %v", err)
		}
		if len(hits) == 0 {
			t.Fatal("Query() returned no chunks for the document owner")
		}
		for _, h := range hits {
			if h.DocumentID != res.DocumentID {
				t.Errorf("hit %s belongs to document %s, want %s", h.ID, h.DocumentID, res.DocumentID)
			}
			if h.Metadata["owner_id"] != "owner-1" {
				t.Errorf("hit %s owner = %q, want owner-1", h.ID, h.Metadata["owner_id"])
			}
		}

		other, err := store.Query(ctx, vec, 10, &vectorstore.Filter{
			Equals: map[string]string{"owner_id": "someone-else"},
		})
		if err != nil {
			t.Fatalf("Query() error: %v", err)
		}
		if len(other) != 0 {
			t.Errorf("Query() for a different owner returned %d chunks, want 0", len(other))
		}
	})
}
