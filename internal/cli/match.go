package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"dvai-assistant/internal/knowledge"
)

type matchReport struct {
	Question   string           `json:"question"`
	Normalized string           `json:"normalized"`
	Found      bool             `json:"found"`
	OffTopic   bool             `json:"offTopic"`
	Match      *knowledge.Match `json:"match,omitempty"`
}

func init() {
	cmd := &cobra.Command{
		Use:   "match [question]",
		Short: "Resolve a question against the knowledge base",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runMatch,
	}

	RootCmd.AddCommand(cmd)
}

func runMatch(cmd *cobra.Command, args []string) error {
	idx, err := loadIndex()
	if err != nil {
		return err
	}
	q := strings.Join(args, " ")
	rep := matchReport{Question: q, Normalized: knowledge.Normalize(q)}
	if m, ok := idx.Match(q); ok {
		rep.Found = true
		rep.Match = &m
	} else {
		rep.OffTopic = idx.IsOffTopic(q)
	}
	return printJSON(cmd.OutOrStdout(), rep)
}
