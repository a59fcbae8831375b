package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/actiongate/internal/approval"
	"github.com/jkaninda/actiongate/internal/pipeline"
)

var (
	runFile    string
	runAction  string
	runParams  string
	runText    string
	runUser    string
	runPersist bool
)

var runCmd = &cobra.Command{
	Use:   "run [descriptor-json]",
	Short: "Execute a single action and print its outcome",
	Long: `Run executes one action through the full pipeline. The action is either a
JSON descriptor (argument, --file, or "-" for stdin) or a catalog entry
named with --action. Approvals are asked for on the terminal.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runOnce,
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runFile, "file", "f", "", "read the descriptor from a file")
	f.StringVarP(&runAction, "action", "a", "", "catalog action name")
	f.StringVarP(&runParams, "params", "p", "", `catalog parameters as JSON, e.g. {"path_params":{"id":"42"}}`)
	f.StringVarP(&runText, "text", "t", "", "free text accompanying the action")
	f.StringVarP(&runUser, "user", "u", "cli-user", "user ID the action runs as")
	f.BoolVar(&runPersist, "persist", false, "record the run in the configured store instead of an in-memory one")
}

func runOnce(cmd *cobra.Command, args []string) error {
	in, err := runInput(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger, sharedOptions{
		memoryStore: !runPersist,
		approver: func(*approval.Manager) (approval.Provider, error) {
			return approval.NewConsoleProvider(os.Stdin, os.Stderr, runUser), nil
		},
	})
	defer sc.Cleanup()
	if err != nil {
		return err
	}

	out, err := sc.Pipeline.Run(ctx, in)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if out.State != pipeline.StateCompleted {
		return fmt.Errorf("run %s ended %s", out.RunID, out.State)
	}
	return nil
}

// runInput assembles the pipeline input from flags and arguments.
func runInput(stdin io.Reader, args []string) (pipeline.Input, error) {
	in := pipeline.Input{UserID: runUser, Text: runText, Action: runAction}

	var raw []byte
	switch {
	case runFile != "":
		data, err := os.ReadFile(runFile)
		if err != nil {
			return in, fmt.Errorf("reading descriptor: %w", err)
		}
		raw = data
	case len(args) == 1 && args[0] == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return in, fmt.Errorf("reading descriptor: %w", err)
		}
		raw = data
	case len(args) == 1:
		raw = []byte(args[0])
	}

	if (raw == nil) == (runAction == "") {
		return in, fmt.Errorf("provide exactly one of a descriptor or --action")
	}
	if raw != nil {
		if err := json.Unmarshal(raw, &in.Descriptor); err != nil {
			return in, fmt.Errorf("descriptor is not a JSON object: %w", err)
		}
	}
	if runParams != "" {
		if err := json.Unmarshal([]byte(runParams), &in.Params); err != nil {
			return in, fmt.Errorf("parsing --params: %w", err)
		}
	}
	return in, nil
}
