// Package commands implements the runbox command line.
package commands

import (
	"context"
	"io"

	"github.com/spf13/cobra"
)

// CLI is the runbox command tree.
type CLI struct {
	version string
	rootCmd *cobra.Command
}

// New builds the command tree. Running the binary without a subcommand
// starts the server.
func New(version string) *CLI {
	c := &CLI{version: version}

	c.rootCmd = &cobra.Command{
		Use:           "runbox",
		Short:         "Sandboxed JavaScript execution with cached npm dependencies",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		Args:          cobra.NoArgs,
		RunE:          c.runServe,
	}
	c.rootCmd.SetVersionTemplate("{{.Name}} version {{.Version}}\n")

	c.rootCmd.AddCommand(c.newServeCmd())
	c.rootCmd.AddCommand(c.newAnalyzeCmd())
	c.rootCmd.AddCommand(c.newCacheCmd())
	c.rootCmd.AddCommand(c.newVersionCmd())

	return c
}

// Execute runs the command selected by the arguments.
func (c *CLI) Execute(ctx context.Context) error {
	c.rootCmd.SetContext(ctx)
	return c.rootCmd.Execute()
}

// SetArgs overrides os.Args, for tests.
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

// SetOutput sets the output and error streams.
func (c *CLI) SetOutput(out, err io.Writer) {
	c.rootCmd.SetOut(out)
	c.rootCmd.SetErr(err)
}

// SetInput sets the stream read by "analyze -".
func (c *CLI) SetInput(in io.Reader) {
	c.rootCmd.SetIn(in)
}
