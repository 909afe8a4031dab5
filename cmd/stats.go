package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsOwner string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show catalog and vector index statistics",
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().StringVar(&statsOwner, "owner", "", "restrict catalog stats to one owner")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	a, cleanup, err := initApp(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	catalog, err := a.Pipeline.StatsByOwner(cmd.Context(), statsOwner)
	if err != nil {
		return err
	}
	fmt.Println("catalog:")
	fmt.Printf("  documents: %d\n", catalog.Documents)
	fmt.Printf("  chunks:    %d\n", catalog.Chunks)
	fmt.Printf("  bytes:     %d\n", catalog.TotalBytes)
	for status, n := range catalog.ByStatus {
		fmt.Printf("  %-12s %d\n", status+":", n)
	}

	vectors, err := a.Vectors.Stats(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Println("vector index:")
	fmt.Printf("  chunks:    %d\n", vectors.TotalChunks)
	fmt.Printf("  documents: %d\n", vectors.UniqueDocuments)
	fmt.Printf("  persons:   %d\n", vectors.UniquePersons)
	for typ, n := range vectors.ChunkTypes {
		fmt.Printf("  type %-14s %d\n", typ+":", n)
	}
	return nil
}
