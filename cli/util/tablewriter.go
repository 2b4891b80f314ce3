package util

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

/*
Table rendering for the admin commands. Tables that fit the terminal print
one record per row with pipe-separated, left-aligned columns. Wider tables
fall back to a label/value block per record, in the manner of psql's
expanded mode.
*/

////////////////////////////////////////////////////////////////////////////////

// PrintTable renders headers and rows to w, choosing a layout based on the
// terminal width.
func PrintTable(w io.Writer, headers []string, rows [][]string) {
	PrintTableWidth(w, termWidth(), headers, rows)
}

// PrintTableWidth renders a table for an explicit terminal width.
func PrintTableWidth(w io.Writer, width int, headers []string, rows [][]string) {
	widths := columnWidths(headers, rows)
	total := len(widths) + 1
	for _, cw := range widths {
		total += cw + 2
	}
	if total > width {
		printRecords(w, headers, rows)
		return
	}
	printRow(w, headers, widths)
	separators := make([]string, len(widths))
	for i, cw := range widths {
		separators[i] = strings.Repeat("-", cw+2)
	}
	fmt.Fprintf(w, "|%s|\n", strings.Join(separators, "|"))
	for _, row := range rows {
		printRow(w, row, widths)
	}
}

func printRow(w io.Writer, cells []string, widths []int) {
	fmt.Fprint(w, "|")
	for i, cw := range widths {
		cell := ""
		if i < len(cells) {
			cell = cells[i]
		}
		fmt.Fprintf(w, " %-*s |", cw, cell)
	}
	fmt.Fprintln(w)
}

func printRecords(w io.Writer, headers []string, rows [][]string) {
	label := 0
	for _, header := range headers {
		label = max(label, len(header))
	}
	for i, row := range rows {
		fmt.Fprintf(w, "== record %d\n", i+1)
		for j, cell := range row {
			if j >= len(headers) {
				break
			}
			fmt.Fprintf(w, "%-*s  %s\n", label, headers[j], cell)
		}
	}
}

func columnWidths(headers []string, rows [][]string) []int {
	widths := make([]int, len(headers))
	for i, header := range headers {
		widths[i] = len(header)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], len(cell))
			}
		}
	}
	return widths
}

func termWidth() int {
	cmd := exec.Command("stty", "size")
	cmd.Stdin = os.Stdin
	out, err := cmd.Output()
	if err != nil {
		return 80
	}
	var rows, cols int
	if _, err := fmt.Sscanf(string(out), "%d %d", &rows, &cols); err != nil {
		return 80
	}
	return cols
}
