package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/factline/factline/internal/model"
)

var (
	aggregateGroupID int64
	aggregateMode    string
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Run one aggregation pass for a single group",
	Long: `Runs a single aggregation pass for one group and exits. The pass honors
the configured time budget and persists its cursors, so an interrupted run
resumes on the next invocation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := model.Mode(aggregateMode)
		if !mode.Valid() {
			return fmt.Errorf("unknown mode %q (want incremental or full)", aggregateMode)
		}

		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		return newScheduler(db).AggregateGroup(ctx, aggregateGroupID, mode)
	},
}

func init() {
	aggregateCmd.Flags().Int64Var(&aggregateGroupID, "group", 0, "group id to aggregate")
	aggregateCmd.Flags().StringVar(&aggregateMode, "mode", "incremental", "aggregation mode: incremental or full")
	_ = aggregateCmd.MarkFlagRequired("group")
	rootCmd.AddCommand(aggregateCmd)
}
