package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jbirddev/nest/loader"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the compilation cache",
	Long: `Manage the on-disk compilation cache used with --disk-cache.

Compiled modules are keyed by content, so a rebuilt module never reuses a
stale entry; clearing only reclaims space.`,
}

var cacheDirCmd = &cobra.Command{
	Use:   "dir",
	Short: "Print the cache directory",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), cacheDir(cmd))
	},
}

var cacheInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show cache size",
	RunE:  runCacheInfo,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all cached compilations",
	RunE:  runCacheClear,
}

func init() {
	cacheCmd.AddCommand(cacheDirCmd, cacheInfoCmd, cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}

func cacheDir(cmd *cobra.Command) string {
	if dir, _ := cmd.Flags().GetString("cache-dir"); dir != "" {
		return dir
	}
	return loader.DefaultCacheDir()
}

func runCacheInfo(cmd *cobra.Command, args []string) error {
	dir := cacheDir(cmd)

	var files int
	var size int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			files++
			size += info.Size()
		}
		return nil
	})
	if os.IsNotExist(err) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: empty\n", dir)
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d file(s), %d bytes\n", dir, files, size)
	return nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	dir := cacheDir(cmd)
	if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared.")
	return nil
}
