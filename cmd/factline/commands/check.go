package commands

import (
	"github.com/spf13/cobra"
)

var checkGroupID int64

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one consistency scan for a single group",
	Long: `Scans one group's stage event records for rows whose source work item no
longer exists and deletes them. Honors the configured time budget and
resumes from the persisted cursor on the next invocation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		return newScheduler(db).CheckGroup(ctx, checkGroupID)
	},
}

func init() {
	checkCmd.Flags().Int64Var(&checkGroupID, "group", 0, "group id to check")
	_ = checkCmd.MarkFlagRequired("group")
	rootCmd.AddCommand(checkCmd)
}
