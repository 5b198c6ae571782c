package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"dvai-assistant/internal/intent"
)

type validateReport struct {
	Version    string   `json:"version"`
	Entries    int      `json:"entries"`
	Terms      int      `json:"terms"`
	Categories []string `json:"categories"`
}

func init() {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and index the knowledge base and intent patterns",
		Args:  cobra.NoArgs,
		RunE:  runValidate,
	}

	RootCmd.AddCommand(cmd)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	idx, err := loadIndex()
	if err != nil {
		return fmt.Errorf("knowledge base: %w", err)
	}
	p, err := intent.LoadPatternsFile(getPatternsPath())
	if err != nil {
		return fmt.Errorf("intent patterns: %w", err)
	}
	if _, err := intent.New(p, intent.DefaultConfig()); err != nil {
		return fmt.Errorf("intent patterns: %w", err)
	}

	cats := make([]string, 0, len(p.Categories))
	for c := range p.Categories {
		cats = append(cats, string(c))
	}
	sort.Strings(cats)

	return printJSON(cmd.OutOrStdout(), validateReport{
		Version:    idx.Version(),
		Entries:    len(idx.Entries()),
		Terms:      idx.TermCount(),
		Categories: cats,
	})
}
