package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dossier-rag/dossier/internal/document"
)

var (
	indexOwner    string
	indexCategory string
	indexTags     []string
)

var indexCmd = &cobra.Command{
	Use:   "index <file>...",
	Short: "Extract, chunk and embed documents into the search index",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runIndex,
}

func init() {
	indexCmd.Flags().StringVar(&indexOwner, "owner", "", "owner id recorded on the documents")
	indexCmd.Flags().StringVar(&indexCategory, "category", "", "free-form category label")
	indexCmd.Flags().StringSliceVar(&indexTags, "tags", nil, "tags recorded on the documents")
	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, args []string) error {
	a, cleanup, err := initApp(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	failed := 0
	for _, path := range args {
		res, err := a.Pipeline.Process(cmd.Context(), path, document.ProcessRequest{
			OwnerID:  indexOwner,
			Category: indexCategory,
			Tags:     indexTags,
		})

		var dup *document.DuplicateError
		switch {
		case errors.As(err, &dup):
			fmt.Printf("skipped %s: already indexed as %s (%s)\n", path, dup.ExistingID, dup.Filename)
		case err != nil:
			failed++
			fmt.Printf("failed  %s: %v\n", path, err)
		case !res.Success:
			failed++
			fmt.Printf("failed  %s: %s (document %s)\n", path, res.ErrorMessage, res.DocumentID)
		default:
			fmt.Printf("indexed %s: document %s, %d chunks in %s\n",
				path, res.DocumentID, res.ChunkCount, res.ProcessingTime.Round(time.Millisecond))
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(args))
	}
	return nil
}
