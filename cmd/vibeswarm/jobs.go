package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/NorthRiverDesign/VibeSwarm-sub003/internal/model"
	"github.com/NorthRiverDesign/VibeSwarm-sub003/internal/store"
)

var (
	flagAgent      string
	flagCommand    string
	flagArgs       []string
	flagWorkDir    string
	flagEnv        []string
	flagPriority   int
	flagDependsOn  string
	flagParent     string
	flagMaxRetries int
	flagMaxTokens  int64
	flagMaxCost    float64
	flagMaxMinutes int
	flagStallSecs  int
)

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "add enqueues a new job for the next scheduling pass",
	RunE:  doAdd,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "list prints all jobs in scheduling order",
	RunE:  doList,
}

func init() {
	addCmd.Flags().StringVar(&flagAgent, "agent", "", "agent profile name from agents.yaml")
	addCmd.Flags().StringVar(&flagCommand, "command", "", "executable to run when no agent profile applies")
	addCmd.Flags().StringArrayVar(&flagArgs, "arg", nil, "command argument, repeatable")
	addCmd.Flags().StringVar(&flagWorkDir, "workdir", "", "working directory")
	addCmd.Flags().StringArrayVar(&flagEnv, "env", nil, "KEY=VALUE environment override, repeatable")
	addCmd.Flags().IntVar(&flagPriority, "priority", 0, "higher runs first")
	addCmd.Flags().StringVar(&flagDependsOn, "depends-on", "", "job id that must complete first")
	addCmd.Flags().StringVar(&flagParent, "parent", "", "parent job id, grouping only")
	addCmd.Flags().IntVar(&flagMaxRetries, "max-retries", 3, "orphan recovery retry budget")
	addCmd.Flags().Int64Var(&flagMaxTokens, "max-tokens", 0, "token ceiling, 0 = unlimited")
	addCmd.Flags().Float64Var(&flagMaxCost, "max-cost", 0, "cost ceiling in USD, 0 = unlimited")
	addCmd.Flags().IntVar(&flagMaxMinutes, "max-minutes", 0, "execution time ceiling, 0 = unlimited")
	addCmd.Flags().IntVar(&flagStallSecs, "stall-seconds", 0, "silence threshold, 0 = default")
}

func doAdd(cmd *cobra.Command, args []string) error {
	if flagAgent == "" && flagCommand == "" {
		return fmt.Errorf("either --agent or --command is required")
	}

	ctx := cmd.Context()
	st, err := store.Open(ctx, storePath())
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	job := model.Job{
		ID:                  uuid.NewString(),
		Status:              model.StatusPending,
		Priority:            flagPriority,
		CreatedAt:           time.Now().UTC(),
		Agent:               flagAgent,
		Command:             flagCommand,
		Args:                flagArgs,
		WorkDir:             flagWorkDir,
		Env:                 flagEnv,
		MaxRetries:          flagMaxRetries,
		MaxTokens:           flagMaxTokens,
		MaxCostUSD:          flagMaxCost,
		MaxExecutionMinutes: flagMaxMinutes,
		StallTimeoutSeconds: flagStallSecs,
	}
	if flagDependsOn != "" {
		job.DependsOn = &flagDependsOn
	}
	if flagParent != "" {
		job.ParentID = &flagParent
	}

	if err := st.Create(ctx, job); err != nil {
		return err
	}
	fmt.Println(job.ID)
	return nil
}

func doList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := store.Open(ctx, storePath())
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	jobs, err := st.List(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIO\tCREATED\tAGENT\tRETRIES\tREASON")
	for _, j := range jobs {
		reason := j.FailureReason
		if len(reason) > 48 {
			reason = reason[:45] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%d/%d\t%s\n",
			j.ID, j.Status, j.Priority, j.CreatedAt.Format(time.RFC3339),
			j.Agent, j.RetryCount, j.MaxRetries, reason)
	}
	return w.Flush()
}
