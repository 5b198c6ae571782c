package cli

import (
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "classify [text]",
		Short: "Classify text with the intent patterns",
		Long:  "Classify text as a fresh session. Scores are the raw per-category values before confidence shaping.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runClassify,
	}
	cmd.Flags().Bool("scores", false, "Include raw category scores")

	RootCmd.AddCommand(cmd)
}

func runClassify(cmd *cobra.Command, args []string) error {
	withScores, _ := cmd.Flags().GetBool("scores")

	c, err := loadClassifier()
	if err != nil {
		return err
	}
	text := strings.Join(args, " ")
	out := map[string]any{"result": c.Classify("kbctl", text)}
	if withScores {
		out["scores"] = c.Scores(text)
	}
	return printJSON(cmd.OutOrStdout(), out)
}
