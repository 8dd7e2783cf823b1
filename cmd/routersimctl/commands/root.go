// Package commands implements the routersimctl CLI commands.
package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// httpClient is the admin-API HTTP client, shared across commands.
	httpClient = &http.Client{Timeout: 10 * time.Second}

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the routersimd admin HTTP API address (host:port).
	serverAddr string
)

// rootCmd is the top-level cobra command for routersimctl.
var rootCmd = &cobra.Command{
	Use:   "routersimctl",
	Short: "CLI client for the routersimd admin API",
	Long:  "routersimctl queries a running routersimd instance's read-only admin HTTP API for routes, neighbors, and interface queue depths.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "127.0.0.1:8080",
		"routersimd admin HTTP API address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(routesCmd())
	rootCmd.AddCommand(neighborsCmd())
	rootCmd.AddCommand(interfacesCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// getJSON issues a GET against the admin API and decodes the JSON body
// into v.
func getJSON(path string, v any) error {
	resp, err := httpClient.Get("http://" + serverAddr + path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %s", path, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}

	return nil
}
