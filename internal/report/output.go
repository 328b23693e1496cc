package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kvesta/quietpatch/config"
	"github.com/kvesta/quietpatch/internal/vulnscan"

	"github.com/olekukonko/tablewriter"
)

const maxDescription = 200

// ResolveScanData prints the findings table.
func ResolveScanData(w io.Writer, results []vulnscan.ScanResult, meta Meta) {
	s := Summarize(results)

	if meta.Host != "" {
		fmt.Fprintf(w, "\nHost: %s | %s | kernel %s\n", meta.Host, strings.TrimSpace(meta.Platform), meta.Kernel)
	}
	if meta.DBSnapshot != "" {
		fmt.Fprintf(w, "Vulnerability database: %s\n", config.Cyan(meta.DBSnapshot))
	}

	fmt.Fprintf(w, "\nDetected %s vulnerabilities | "+
		"Critical: %s High: %s Medium: %s Low: %s KEV: %s\n\n",
		config.Yellow(s.Total),
		config.Red(s.Critical),
		config.Pink(s.High),
		config.Yellow(s.Medium),
		config.Green(s.Low),
		config.Red(s.KEV))

	if len(results) == 0 {
		return
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Name", "Version", "CVEID", "Score", "Level", "Description", "Action"})
	table.SetRowLine(true)
	table.SetAutoMergeCellsByColumnIndex([]int{0, 1, 2})

	for i, r := range results {
		if len(r.Vulnerabilities) == 0 {
			note := r.Note
			if note == "" {
				note = "no known vulnerabilities"
			}
			table.Append([]string{strconv.Itoa(i + 1), r.Item.Name, r.Item.Version, "-", "-", "-", note, "-"})
			continue
		}

		for _, v := range r.Vulnerabilities {
			score := "-"
			if v.Score != nil {
				score = fmt.Sprintf("%.1f", *v.Score)
			}

			level := judgeSeverity(v.Label)
			if v.KnownExploited {
				level += " " + config.Red("(KEV)")
			}

			// Limit the length of description
			des := v.Summary
			if len(des) > maxDescription {
				des = des[:maxDescription] + " ..."
			}

			table.Append([]string{
				strconv.Itoa(i + 1), r.Item.Name, r.Item.Version,
				v.ID, score, level, des, v.RemediationHint,
			})
		}
	}

	table.Render()
}

func judgeSeverity(severity string) string {

	severityLow := strings.ToLower(severity)

	switch severityLow {
	case "critical":
		return config.Red("critical")
	case "high":
		return config.Pink("high")
	case "medium":
		return config.Yellow("medium")
	case "low":
		return config.Green("low")
	case "none":
		return "none"
	default:
		// ignore
	}
	return "unknown"
}
