package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jkaninda/actiongate/internal/filter"
)

var detectCmd = &cobra.Command{
	Use:   "detect [text]",
	Short: "List sensitive values found in text (reads stdin without arguments)",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, text, err := filterInput(cmd, args)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"detections": f.Detect(text)})
	},
}

var maskCmd = &cobra.Command{
	Use:   "mask [text]",
	Short: "Mask sensitive values in text and print the mapping",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, text, err := filterInput(cmd, args)
		if err != nil {
			return err
		}
		masked, mapping := f.Mask(text, nil)
		return printJSON(cmd.OutOrStdout(), map[string]any{"masked": masked, "mapping": mapping})
	},
}

// filterInput builds the configured filter and reads the text to scan.
func filterInput(cmd *cobra.Command, args []string) (*filter.Filter, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	patterns, err := filter.LoadPatterns(cfg.Filter.PatternsFile)
	if err != nil {
		return nil, "", err
	}
	f, err := filter.New(patterns)
	if err != nil {
		return nil, "", err
	}

	if len(args) > 0 {
		return f, strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return nil, "", fmt.Errorf("reading stdin: %w", err)
	}
	return f, strings.TrimRight(string(data), "\n"), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
