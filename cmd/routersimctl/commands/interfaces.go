package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// interfaceQueueView mirrors internal/server's interfaceQueueView JSON shape.
type interfaceQueueView struct {
	Interface string `json:"interface"`
	ClassID   uint8  `json:"class_id"`
	Depth     int    `json:"depth"`
}

func interfacesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "interfaces",
		Short: "List shaper queue depth per interface and traffic class",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var queues []interfaceQueueView
			if err := getJSON("/interfaces", &queues); err != nil {
				return err
			}

			out, err := formatQueues(queues, outputFormat)
			if err != nil {
				return err
			}

			fmt.Print(out)

			return nil
		},
	}
}

func formatQueues(queues []interfaceQueueView, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(queues, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal queue depths to JSON: %w", err)
		}
		return string(data) + "\n", nil
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "INTERFACE\tCLASS\tDEPTH")

		for _, q := range queues {
			fmt.Fprintf(w, "%s\t%d\t%d\n", q.Interface, q.ClassID, q.Depth)
		}

		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}

		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}
