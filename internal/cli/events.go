package cli

import (
	"context"
	"errors"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/spf13/cobra"

	"dvai-assistant/internal/domain"
	"dvai-assistant/internal/repository"
)

type eventReader interface {
	Recent(ctx context.Context, topic string, day time.Time, limit int) ([]domain.LogEvent, error)
}

var openEventReader = func(ctx context.Context, table string) (eventReader, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	client, err := repository.New(awsdynamodb.NewFromConfig(cfg), table)
	if err != nil {
		return nil, err
	}
	return client.Events(), nil
}

func init() {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recent request events from the state table",
		Args:  cobra.NoArgs,
		RunE:  runEvents,
	}

	cmd.Flags().String("table", "", "State table (default: $STATE_TABLE)")
	cmd.Flags().String("topic", "ask", "Event topic")
	cmd.Flags().String("day", "", "UTC day as YYYY-MM-DD (default: today)")
	cmd.Flags().IntP("limit", "l", 50, "Max results")

	RootCmd.AddCommand(cmd)
}

func runEvents(cmd *cobra.Command, _ []string) error {
	table, _ := cmd.Flags().GetString("table")
	topic, _ := cmd.Flags().GetString("topic")
	dayFlag, _ := cmd.Flags().GetString("day")
	limit, _ := cmd.Flags().GetInt("limit")

	if table == "" {
		table = os.Getenv("STATE_TABLE")
	}
	if table == "" {
		return errors.New("--table or STATE_TABLE is required")
	}
	day := time.Now().UTC()
	if dayFlag != "" {
		d, err := time.Parse(time.DateOnly, dayFlag)
		if err != nil {
			return err
		}
		day = d
	}

	r, err := openEventReader(cmd.Context(), table)
	if err != nil {
		return err
	}
	events, err := r.Recent(cmd.Context(), topic, day, limit)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), events)
}
