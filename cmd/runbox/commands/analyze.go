package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/runbox/internal/analyzer"
	"github.com/seantiz/runbox/internal/model"
)

type analyzeOutput struct {
	Dependencies model.DependencySet `json:"dependencies"`
	Warnings     []string            `json:"warnings,omitempty"`
	Rewritten    bool                `json:"rewritten"`
}

func (c *CLI) newAnalyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze <file|->",
		Short: "Print the npm dependencies a script would install",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := readScript(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			a, err := analyzer.Analyze(code)
			if err != nil {
				return err
			}

			if source, _ := cmd.Flags().GetBool("source"); source {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), a.Source)
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(analyzeOutput{
				Dependencies: a.Dependencies,
				Warnings:     a.Warnings,
				Rewritten:    a.Rewritten,
			})
		},
	}

	cmd.Flags().Bool("source", false, "Print the CommonJS source that would run instead of the dependencies")

	return cmd
}

func readScript(stdin io.Reader, path string) (string, error) {
	if path == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(b), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read script: %w", err)
	}
	return string(b), nil
}
