// Package cli implements the kbctl operator commands.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"dvai-assistant/internal/intent"
	"dvai-assistant/internal/knowledge"
)

var (
	kbPath       string
	patternsPath string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:           "kbctl",
	Short:         "Inspect the assistant knowledge base and intent patterns",
	Long:          "Offline checks for the YAML data the assistant serves: validate files, try questions against the matcher and classifier, read the event log.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&kbPath, "kb", "", "Knowledge base YAML (default: $KB_PATH or the embedded base)")
	RootCmd.PersistentFlags().StringVar(&patternsPath, "patterns", "", "Intent patterns YAML (default: $INTENT_PATTERNS_PATH or the embedded table)")
}

// Execute runs RootCmd and reports failures on stderr.
func Execute() int {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func getKBPath() string {
	if kbPath != "" {
		return kbPath
	}
	return os.Getenv("KB_PATH")
}

func getPatternsPath() string {
	if patternsPath != "" {
		return patternsPath
	}
	return os.Getenv("INTENT_PATTERNS_PATH")
}

func loadIndex() (*knowledge.Index, error) {
	base, err := knowledge.LoadFile(getKBPath())
	if err != nil {
		return nil, err
	}
	return knowledge.Build(base)
}

func loadClassifier() (*intent.Classifier, error) {
	p, err := intent.LoadPatternsFile(getPatternsPath())
	if err != nil {
		return nil, err
	}
	return intent.New(p, intent.DefaultConfig())
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
