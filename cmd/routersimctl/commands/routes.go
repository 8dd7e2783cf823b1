package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// routeView mirrors internal/server's routeView JSON shape.
type routeView struct {
	Prefix        string `json:"prefix"`
	NextHop       string `json:"next_hop"`
	Egress        string `json:"egress"`
	Metric        uint32 `json:"metric"`
	AdminDistance uint8  `json:"admin_distance"`
	Protocol      string `json:"protocol"`
	UpdatedAt     string `json:"updated_at"`
}

func routesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "List the current best-route set",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var routes []routeView
			if err := getJSON("/routes", &routes); err != nil {
				return err
			}

			out, err := formatRoutes(routes, outputFormat)
			if err != nil {
				return err
			}

			fmt.Print(out)

			return nil
		},
	}

	cmd.AddCommand(routesExportCmd())

	return cmd
}

func routesExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Print the flat-text route snapshot",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			resp, err := httpClient.Get("http://" + serverAddr + "/routes/export")
			if err != nil {
				return fmt.Errorf("GET /routes/export: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("GET /routes/export: unexpected status %s", resp.Status)
			}

			_, err = io.Copy(os.Stdout, resp.Body)
			return err
		},
	}
}

func formatRoutes(routes []routeView, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(routes, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal routes to JSON: %w", err)
		}
		return string(data) + "\n", nil
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PREFIX\tNEXT-HOP\tEGRESS\tMETRIC\tAD\tPROTOCOL\tUPDATED")

		for _, r := range routes {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
				r.Prefix, r.NextHop, r.Egress, r.Metric, r.AdminDistance, r.Protocol, r.UpdatedAt)
		}

		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}

		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}
