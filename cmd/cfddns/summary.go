package main

import (
	"fmt"
	"io"

	"github.com/Travis-Britz/cfddns"
	"github.com/olekukonko/tablewriter"
)

// maxErrorWidth truncates errors so the table stays readable; the full text is in the log.
const maxErrorWidth = 60

func writeSummary(w io.Writer, report *ddns.Report) error {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Record", "Zone", "Outcome", "Error"})
	table.SetAutoWrapText(false)
	table.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_CENTER, tablewriter.ALIGN_LEFT})
	for _, res := range report.Results {
		msg := ""
		if res.Err != nil {
			msg = truncate(res.Err.Error(), maxErrorWidth)
		}
		table.Append([]string{res.Task.Record, res.Task.Zone, res.Outcome.String(), msg})
	}
	table.Render()

	_, err := fmt.Fprintf(w, "%d updated, %d unchanged, %d skipped, %d failed\n",
		report.Count(ddns.Updated),
		report.Count(ddns.Unchanged),
		report.Count(ddns.Skipped),
		report.Count(ddns.Failed),
	)
	return err
}

// truncate shortens s to n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
