package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dossier-rag/dossier/internal/generate"
	"github.com/dossier-rag/dossier/internal/retrieval"
)

var (
	queryPerson    string
	queryTopK      int
	queryThreshold float64
	queryAnswer    bool
	queryStream    bool
)

var queryCmd = &cobra.Command{
	Use:   "query <question>",
	Short: "Search indexed documents, optionally generating an answer",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQuery,
}

func init() {
	queryCmd.Flags().StringVar(&queryPerson, "person", "", "restrict results to one person's documents")
	queryCmd.Flags().IntVar(&queryTopK, "top-k", 0, "number of results (0 uses the configured default)")
	queryCmd.Flags().Float64Var(&queryThreshold, "threshold", 0, "similarity floor (0 uses the configured default)")
	queryCmd.Flags().BoolVar(&queryAnswer, "answer", false, "generate an answer from the retrieved context")
	queryCmd.Flags().BoolVar(&queryStream, "stream", false, "stream the generated answer (implies --answer)")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	a, cleanup, err := initApp(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	question := strings.Join(args, " ")
	results, err := a.Retrieval.Search(cmd.Context(), retrieval.Request{
		Query:        question,
		TopK:         queryTopK,
		Threshold:    queryThreshold,
		TargetPerson: queryPerson,
	})
	if err != nil {
		return fmt.Errorf("searching: %w", err)
	}

	if len(results) == 0 {
		fmt.Println("no matching content found")
		return nil
	}

	for i, r := range results {
		fmt.Printf("%2d. score %.3f  %s  [%s]", i+1, r.FinalScore, r.SourceFile, r.ChunkType)
		if r.MultiStrategy {
			fmt.Print("  (semantic+keyword)")
		}
		fmt.Println()
		fmt.Printf("    %s\n", preview(r.Content, 200))
	}

	if !queryAnswer && !queryStream {
		return nil
	}
	return answer(cmd, a.Generator, question, results)
}

func answer(cmd *cobra.Command, gen *generate.Client, question string, results []retrieval.Result) error {
	req := generate.Request{Messages: []generate.Message{
		{Role: "system", Content: answerSystemPrompt},
		{Role: "user", Content: buildAnswerPrompt(question, results)},
	}}

	fmt.Println()
	if queryStream {
		_, err := gen.Stream(cmd.Context(), req, func(delta string) error {
			fmt.Print(delta)
			return nil
		})
		fmt.Println()
		return err
	}

	resp, err := gen.Complete(cmd.Context(), req)
	if err != nil {
		return err
	}
	fmt.Println(resp.Content)
	return nil
}

const answerSystemPrompt = `Tu es un assistant qui répond à des questions sur des documents personnels
(CV, lettres de motivation). Réponds uniquement à partir du contexte fourni.
Si le contexte ne contient pas la réponse, dis-le clairement.`

func buildAnswerPrompt(question string, results []retrieval.Result) string {
	var b strings.Builder
	b.WriteString("Contexte :\n\n")
	for i, r := range results {
		fmt.Fprintf(&b, "[Extrait %d - %s]\n%s\n\n", i+1, r.SourceFile, r.Content)
	}
	b.WriteString("Question : ")
	b.WriteString(question)
	return b.String()
}

func preview(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
