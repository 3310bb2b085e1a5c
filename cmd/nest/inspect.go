package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/jbirddev/nest/loader"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <url>",
	Short: "Describe a module without running it",
	Long: `Fetch and compile a module, then print its size, sha256 digest, imports
and exports, and whether the selected import table satisfies every import.

Nothing is instantiated and the entry point is never called.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().Bool("json", false, "Print the report as JSON")
	addSessionFlags(inspectCmd)
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, log, l, err := prepare(cmd, args, stdio{})
	if err != nil {
		return err
	}
	defer l.Close()

	report, err := l.Inspect(context.Background(), cfg.URL, importTable(cfg, log))
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printReport(cmd.OutOrStdout(), report)

	if len(report.Unsatisfied) > 0 {
		return fmt.Errorf("%d unsatisfied import(s)", len(report.Unsatisfied))
	}
	return nil
}

func printReport(w io.Writer, r *loader.Report) {
	fmt.Fprintf(w, "url:     %s\n", r.URL)
	fmt.Fprintf(w, "size:    %d bytes\n", r.Size)
	fmt.Fprintf(w, "sha256:  %s\n", r.Digest)
	if r.Encoding != "" {
		fmt.Fprintf(w, "encoding: %s\n", r.Encoding)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "\nimports (%d):\n", len(r.Imports))
	for _, imp := range r.Imports {
		fmt.Fprintf(tw, "  %s\t%s.%s\t%s\n", imp.Kind, imp.Module, imp.Name, imp.Signature)
	}
	fmt.Fprintf(tw, "\nexports (%d):\n", len(r.Exports))
	for _, exp := range r.Exports {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", exp.Kind, exp.Name, exp.Signature)
	}
	tw.Flush()

	if !r.Checked {
		return
	}
	if len(r.Unsatisfied) == 0 {
		fmt.Fprintln(w, "\nimport table: ok")
		return
	}
	fmt.Fprintf(w, "\nimport table: %d unsatisfied\n", len(r.Unsatisfied))
	for _, m := range r.Unsatisfied {
		fmt.Fprintf(w, "  %s\n", m)
	}
}
