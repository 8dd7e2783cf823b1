package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// neighborView mirrors internal/server's neighborView JSON shape.
type neighborView struct {
	Protocol string `json:"protocol"`
	Peer     string `json:"peer"`
	State    string `json:"state"`
}

func neighborsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "neighbors",
		Short: "List adjacency state across all protocol drivers",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var neighbors []neighborView
			if err := getJSON("/neighbors", &neighbors); err != nil {
				return err
			}

			out, err := formatNeighbors(neighbors, outputFormat)
			if err != nil {
				return err
			}

			fmt.Print(out)

			return nil
		},
	}
}

func formatNeighbors(neighbors []neighborView, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(neighbors, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal neighbors to JSON: %w", err)
		}
		return string(data) + "\n", nil
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PROTOCOL\tPEER\tSTATE")

		for _, n := range neighbors {
			fmt.Fprintf(w, "%s\t%s\t%s\n", n.Protocol, n.Peer, n.State)
		}

		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}

		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}
