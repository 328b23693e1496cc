package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kvesta/quietpatch/config"
	"github.com/kvesta/quietpatch/internal/policy"
	"github.com/kvesta/quietpatch/internal/vulnscan"

	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/json"
)

const (
	Schema        = "quietpatch.report/v1"
	DefaultOutput = "output"
)

// Document is the machine readable report.
type Document struct {
	Schema  string                `json:"schema"`
	Policy  policy.Policy         `json:"policy"`
	Meta    Meta                  `json:"meta"`
	Summary Summary               `json:"summary"`
	Apps    []vulnscan.ScanResult `json:"apps"`
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// getOutputFile maps "output" to ./output/<date>.<ext> and creates the
// parent folder of anything else.
func getOutputFile(outfile, ext string, now time.Time) (string, error) {
	if outfile == DefaultOutput {
		pwd, _ := os.Getwd()
		outfile = filepath.Join(pwd, DefaultOutput, fmt.Sprintf("%s.%s", now.Format("2006-01-02"), ext))
	}

	folder := filepath.Dir(outfile)
	if !exists(folder) {
		if err := os.MkdirAll(folder, os.FileMode(0755)); err != nil {
			return "", err
		}
	}
	return outfile, nil
}

// ScanToJson writes the report document and returns the file it wrote.
func ScanToJson(outfile string, results []vulnscan.ScanResult, p policy.Policy, meta Meta) (string, error) {
	filename, err := getOutputFile(outfile, "json", meta.GeneratedAt)
	if err != nil {
		return "", err
	}

	if results == nil {
		results = []vulnscan.ScanResult{}
	}
	doc := Document{
		Schema:  Schema,
		Policy:  p,
		Meta:    meta,
		Summary: Summarize(results),
		Apps:    results,
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return "", err
	}

	log.Infof("Output file is saved in: %s", config.Yellow(filename))
	return filename, nil
}

var csvHeader = []string{"app", "version", "cve", "severity", "cvss", "epss", "kev", "summary", "action"}

// ScanToCSV writes one row per finding.
func ScanToCSV(outfile string, results []vulnscan.ScanResult) error {
	filename, err := getOutputFile(outfile, "csv", time.Now())
	if err != nil {
		return err
	}

	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return err
	}

	for _, r := range results {
		for _, v := range r.Vulnerabilities {
			row := []string{
				r.Item.Name, r.Item.Version, v.ID, v.Label,
				formatFloat(v.Score), formatFloat(v.ExploitProbability),
				strconv.FormatBool(v.KnownExploited), v.Summary, v.RemediationHint,
			}
			if err := w.Write(row); err != nil {
				return err
			}
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	log.Infof("CSV report is saved in: %s", config.Yellow(filename))
	return nil
}

func formatFloat(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}
