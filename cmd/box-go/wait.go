package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	boxgo "github.com/boxkit/box-go"
)

var (
	flagWaitKind     string
	flagWaitStrategy string
	flagWaitTimeout  time.Duration
	flagWaitInterval time.Duration
)

func newWaitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wait <id>",
		Short: "Wait for an item to appear in the local mirror",
		Long: `Wait until the Box Drive agent has materialized the given item in the
local folder mirror. A timeout is reported in the result, not as a failure;
the exit code is 1 so scripts can branch on it.`,
		Args: cobra.ExactArgs(1),
		RunE: runWait,
	}

	cmd.Flags().StringVar(&flagWaitKind, "kind", boxgo.KindFile, "item kind: file or folder")
	cmd.Flags().StringVar(&flagWaitStrategy, "strategy", string(boxgo.StrategySmart), "verification strategy: poll, smart, or force")
	cmd.Flags().DurationVar(&flagWaitTimeout, "timeout", boxgo.DefaultWaitTimeout, "wall-clock timeout")
	cmd.Flags().DurationVar(&flagWaitInterval, "interval", boxgo.DefaultPollInterval, "poll interval between checks")

	return cmd
}

func runWait(cmd *cobra.Command, args []string) error {
	logger := buildLogger()

	strategy := boxgo.Strategy(flagWaitStrategy)

	switch strategy {
	case boxgo.StrategyPoll, boxgo.StrategySmart, boxgo.StrategyForce:
	default:
		return fmt.Errorf("unknown strategy %q (use poll, smart, or force)", flagWaitStrategy)
	}

	client, err := buildClient(logger)
	if err != nil {
		return err
	}

	status, err := client.WaitForSync(cmd.Context(), args[0], flagWaitKind, boxgo.WaitOptions{
		Strategy:     strategy,
		Timeout:      flagWaitTimeout,
		PollInterval: flagWaitInterval,
	})
	if err != nil {
		return err
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if encErr := enc.Encode(status); encErr != nil {
			return fmt.Errorf("encoding JSON output: %w", encErr)
		}
	} else if status.Synced {
		fmt.Println(status.LocalPath)
	} else {
		fmt.Println(status.Error)
	}

	if !status.Synced {
		os.Exit(1)
	}

	return nil
}

func newPathCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "path <id>",
		Short: "Print the expected local mirror path of an item",
		Args:  cobra.ExactArgs(1),
		RunE:  runPath,
	}

	cmd.Flags().StringVar(&flagWaitKind, "kind", boxgo.KindFile, "item kind: file or folder")

	return cmd
}

func runPath(cmd *cobra.Command, args []string) error {
	logger := buildLogger()

	client, err := buildClient(logger)
	if err != nil {
		return err
	}

	localPath, err := client.LocalPath(cmd.Context(), args[0], flagWaitKind)
	if err != nil {
		return err
	}

	fmt.Println(localPath)

	return nil
}
