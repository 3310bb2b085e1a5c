package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/jbirddev/nest/fetch"
	"github.com/spf13/cobra"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <url>",
	Short: "Download a module to disk",
	Long: `Download a module the way run would, decoding br or gzip transfer
encodings, and write the raw bytes to a file.`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().StringP("output", "o", "", "Output file (default: base name of the URL)")
	fetchCmd.Flags().Bool("if-missing", false, "Do nothing when the output file already exists")
	fetchCmd.Flags().Bool("allow-cached", false, "Allow cached HTTP responses")
	fetchCmd.Flags().Int("retry", 1, "Fetch attempts for transient failures")
	fetchCmd.Flags().Duration("retry-backoff", 250*time.Millisecond, "Initial backoff between attempts")
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	ifMissing, _ := cmd.Flags().GetBool("if-missing")
	allowCached, _ := cmd.Flags().GetBool("allow-cached")
	attempts, _ := cmd.Flags().GetInt("retry")
	backoff, _ := cmd.Flags().GetDuration("retry-backoff")

	if output == "" {
		output = programOutput(args[0])
	}
	if ifMissing {
		if _, err := os.Stat(output); err == nil {
			return nil
		}
	}

	log, err := commandLogger(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	f := fetch.Retry(fetch.New(fetch.HTTPConfig{
		NoCache: !allowCached,
		Logger:  log,
	}), attempts, backoff, log)

	mod, err := f.Fetch(context.Background(), args[0])
	if err != nil {
		return err
	}

	if err := os.WriteFile(output, mod.Bytes, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d bytes\n", output, len(mod.Bytes))
	return nil
}

func programOutput(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Scheme != "" {
		p = u.Path
	}
	name := path.Base(p)
	if name == "." || name == "/" || name == "" {
		return "module.wasm"
	}
	return name
}
