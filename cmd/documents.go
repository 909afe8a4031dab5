package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	documentsOwner  string
	documentsLimit  int
	documentsOffset int
	showChunks      int
)

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "Inspect and manage the document catalog",
}

var documentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List indexed documents, newest first",
	RunE:  runDocumentsList,
}

var documentsShowCmd = &cobra.Command{
	Use:   "show <document-id>",
	Short: "Show one document and the first of its stored chunks",
	Args:  cobra.ExactArgs(1),
	RunE:  runDocumentsShow,
}

var (
	deleteOwner string

	documentsDeleteCmd = &cobra.Command{
		Use:   "delete <document-id>",
		Short: "Remove a document, its chunks, vectors and stored file",
		Args:  cobra.ExactArgs(1),
		RunE:  runDocumentsDelete,
	}
)

var documentsReindexCmd = &cobra.Command{
	Use:   "reindex <document-id>",
	Short: "Rebuild a document's chunks and vectors from its stored file",
	Args:  cobra.ExactArgs(1),
	RunE:  runDocumentsReindex,
}

func init() {
	documentsListCmd.Flags().StringVar(&documentsOwner, "owner", "", "filter by owner id")
	documentsListCmd.Flags().IntVar(&documentsLimit, "limit", 50, "maximum rows")
	documentsListCmd.Flags().IntVar(&documentsOffset, "offset", 0, "rows to skip")
	documentsShowCmd.Flags().IntVar(&showChunks, "chunks", 3, "number of chunks to preview")
	documentsDeleteCmd.Flags().StringVar(&deleteOwner, "owner", "", "require the document to belong to this owner")

	documentsCmd.AddCommand(documentsListCmd, documentsShowCmd, documentsDeleteCmd, documentsReindexCmd)
	rootCmd.AddCommand(documentsCmd)
}

func runDocumentsList(cmd *cobra.Command, args []string) error {
	a, cleanup, err := initApp(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	docs, err := a.Pipeline.List(cmd.Context(), documentsOwner, documentsLimit, documentsOffset)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		fmt.Println("no documents")
		return nil
	}

	for _, d := range docs {
		fmt.Printf("%s  %-12s  %4d chunks  %8d bytes  %s  %s\n",
			d.ID, d.Status, d.ChunkCount, d.SizeBytes,
			d.CreatedAt.Format(time.DateOnly), d.Filename)
	}
	return nil
}

func runDocumentsShow(cmd *cobra.Command, args []string) error {
	a, cleanup, err := initApp(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	d, err := a.Pipeline.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("id:        %s\n", d.ID)
	fmt.Printf("filename:  %s\n", d.Filename)
	fmt.Printf("owner:     %s\n", d.OwnerID)
	fmt.Printf("status:    %s\n", d.Status)
	fmt.Printf("chunks:    %d\n", d.ChunkCount)
	fmt.Printf("size:      %d bytes (%s)\n", d.SizeBytes, d.MimeType)
	fmt.Printf("checksum:  %s\n", d.Checksum)
	fmt.Printf("category:  %s\n", d.Category)
	fmt.Printf("tags:      %v\n", d.Tags)
	fmt.Printf("created:   %s\n", d.CreatedAt.Format(time.RFC3339))
	if d.ErrorMessage != "" {
		fmt.Printf("error:     %s\n", d.ErrorMessage)
	}

	previews, err := a.Pipeline.Preview(cmd.Context(), d.ID, showChunks)
	if err != nil {
		return err
	}
	for _, c := range previews {
		fmt.Printf("\n-- chunk %d [%s] %s\n%s\n", c.Index, c.Type, c.SectionTitle, preview(c.Content, 300))
	}
	return nil
}

func runDocumentsDelete(cmd *cobra.Command, args []string) error {
	a, cleanup, err := initApp(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	if err := a.Pipeline.Delete(cmd.Context(), args[0], deleteOwner); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", args[0])
	return nil
}

func runDocumentsReindex(cmd *cobra.Command, args []string) error {
	a, cleanup, err := initApp(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := a.Pipeline.Reindex(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("reindex of %s failed: %s", res.DocumentID, res.ErrorMessage)
	}
	fmt.Printf("reindexed %s: %d chunks in %s\n",
		res.DocumentID, res.ChunkCount, res.ProcessingTime.Round(time.Millisecond))
	return nil
}
