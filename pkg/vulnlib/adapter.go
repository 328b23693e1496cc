package vulnlib

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

var errMalformed = errors.New("malformed table")

// Alternative field names seen across snapshot generations.
var (
	idFields        = []string{"id", "cve_id", "cveID", "cve"}
	scoreFields     = []string{"cvss", "severity_score", "cvss_score", "score", "baseScore"}
	labelFields     = []string{"severity", "severity_label", "baseSeverity"}
	summaryFields   = []string{"description", "summary", "desc"}
	publishedFields = []string{"published_at", "published", "publishedDate", "published_date"}
	kevFields       = []string{"is_known_exploited", "kev", "is_kev"}
	kevActionFields = []string{"kev_action", "cisaRequiredAction", "requiredAction"}
	epssFields      = []string{"exploit_probability", "epss", "epss_score"}
	hintFields      = []string{"remediation_hint", "action"}
	sourceFields    = []string{"severity_source"}

	timeLayouts = []string{
		time.RFC3339,
		"2006-01-02T15:04:05.000",
		"2006-01-02T15:04:05",
		"2006-01-02T15:04Z",
		"2006-01-02",
	}
)

func parseJSON(data []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, errMalformed
	}
	return gjson.ParseBytes(data), nil
}

func first(v gjson.Result, fields []string) gjson.Result {
	for _, f := range fields {
		r := v.Get(f)
		if r.Exists() && r.Type != gjson.Null {
			return r
		}
	}
	return gjson.Result{}
}

func firstString(v gjson.Result, fields []string) string {
	r := first(v, fields)
	if r.Type == gjson.String || r.Type == gjson.Number {
		return strings.TrimSpace(r.String())
	}
	return ""
}

func firstFloat(v gjson.Result, fields []string) *float64 {
	r := first(v, fields)
	switch r.Type {
	case gjson.Number:
		f := r.Float()
		return &f
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(r.String()), 64)
		if err != nil {
			return nil
		}
		return &f
	}
	return nil
}

func firstBool(v gjson.Result, fields []string) bool {
	r := first(v, fields)
	switch r.Type {
	case gjson.True:
		return true
	case gjson.String:
		b, _ := strconv.ParseBool(r.String())
		return b
	case gjson.Number:
		return r.Int() != 0
	}
	return false
}

func parseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func clampScore(f *float64) *float64 {
	if f == nil || *f < 0 || *f > 10 {
		return nil
	}
	return f
}

func clampProbability(f *float64) *float64 {
	if f == nil || *f < 0 || *f > 1 {
		return nil
	}
	return f
}

// recordFrom adapts one metadata entry. key is the map key for id-keyed
// tables and empty for lists.
func recordFrom(key string, v gjson.Result) (Record, bool) {
	if nested := v.Get("cve"); nested.IsObject() {
		return recordFromNVD(nested)
	}

	id := firstString(v, idFields)
	if id == "" {
		id = strings.TrimSpace(key)
	}
	if id == "" {
		return Record{}, false
	}

	return Record{
		ID:                 strings.ToUpper(id),
		Score:              clampScore(firstFloat(v, scoreFields)),
		Label:              strings.ToLower(firstString(v, labelFields)),
		PublishedAt:        parseTime(firstString(v, publishedFields)),
		Summary:            firstString(v, summaryFields),
		KnownExploited:     firstBool(v, kevFields),
		KEVAction:          firstString(v, kevActionFields),
		ExploitProbability: clampProbability(firstFloat(v, epssFields)),
		RemediationHint:    firstString(v, hintFields),
		SeveritySource:     firstString(v, sourceFields),
		Source:             "local_db",
	}, true
}

// recordFromNVD reads a CVE object in the NVD 2.0 API shape. The newest
// CVSS generation present wins.
func recordFromNVD(cve gjson.Result) (Record, bool) {
	id := cve.Get("id").String()
	if id == "" {
		return Record{}, false
	}

	r := Record{
		ID:          strings.ToUpper(id),
		PublishedAt: parseTime(cve.Get("published").String()),
		Source:      "nvd",
	}

	for _, d := range cve.Get("descriptions").Array() {
		if d.Get("lang").String() == "en" {
			r.Summary = d.Get("value").String()
			break
		}
	}

	for _, metric := range []string{"cvssMetricV31", "cvssMetricV30", "cvssMetricV2"} {
		m := cve.Get("metrics." + metric + ".0")
		if !m.Exists() {
			continue
		}
		score := m.Get("cvssData.baseScore")
		if score.Exists() {
			f := score.Float()
			r.Score = clampScore(&f)
		}
		label := m.Get("cvssData.baseSeverity").String()
		if label == "" {
			label = m.Get("baseSeverity").String()
		}
		r.Label = strings.ToLower(label)
		break
	}

	if cve.Get("cisaExploitAdd").Exists() {
		r.KnownExploited = true
		r.KEVAction = cve.Get("cisaRequiredAction").String()
	}

	return r, true
}

func listOf(root gjson.Result) (gjson.Result, bool) {
	if root.IsArray() {
		return root, true
	}
	for _, k := range []string{"vulnerabilities", "cves", "items"} {
		if l := root.Get(k); l.IsArray() {
			return l, true
		}
	}
	return gjson.Result{}, false
}

// parseMeta accepts an id-keyed object or a list under "cves",
// "vulnerabilities" or at the root.
func parseMeta(data []byte) (map[string]*Record, error) {
	root, err := parseJSON(data)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*Record)
	add := func(key string, v gjson.Result) bool {
		if !v.IsObject() {
			return true
		}
		if r, ok := recordFrom(key, v); ok {
			rec := r
			out[rec.ID] = &rec
		}
		return true
	}

	if l, ok := listOf(root); ok {
		l.ForEach(func(_, v gjson.Result) bool { return add("", v) })
		return out, nil
	}
	if !root.IsObject() {
		return nil, errMalformed
	}

	root.ForEach(func(k, v gjson.Result) bool { return add(k.String(), v) })
	return out, nil
}

func idFromEntry(v gjson.Result) string {
	if v.Type == gjson.String {
		return strings.ToUpper(strings.TrimSpace(v.String()))
	}
	if v.IsObject() {
		return strings.ToUpper(firstString(v, idFields))
	}
	return ""
}

// parseCPEMap reads identifier -> [id | {cve_id}] tables.
func parseCPEMap(data []byte) (map[string][]string, error) {
	root, err := parseJSON(data)
	if err != nil {
		return nil, err
	}
	if !root.IsObject() {
		return nil, errMalformed
	}

	out := make(map[string][]string)
	root.ForEach(func(k, v gjson.Result) bool {
		key := strings.TrimSpace(k.String())
		if key == "" {
			return true
		}
		entries := v.Array()
		if !v.IsArray() {
			entries = []gjson.Result{v}
		}
		for _, e := range entries {
			if id := idFromEntry(e); id != "" {
				out[key] = append(out[key], id)
			}
		}
		return true
	})
	return out, nil
}

// parseKEV returns id -> required action. Accepts an id-keyed object, the
// CISA catalog feed or a bare list.
func parseKEV(data []byte) (map[string]string, error) {
	root, err := parseJSON(data)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string)
	if l, ok := listOf(root); ok {
		l.ForEach(func(_, v gjson.Result) bool {
			if id := idFromEntry(v); id != "" {
				out[id] = firstString(v, kevActionFields)
			}
			return true
		})
		return out, nil
	}
	if !root.IsObject() {
		return nil, errMalformed
	}

	root.ForEach(func(k, v gjson.Result) bool {
		id := strings.ToUpper(strings.TrimSpace(k.String()))
		if id == "" {
			return true
		}
		action := ""
		if v.IsObject() {
			action = firstString(v, kevActionFields)
		}
		out[id] = action
		return true
	})
	return out, nil
}

// parseEPSS reads the FIRST.org csv export, with or without its leading
// comment line.
func parseEPSS(r io.Reader) (map[string]float64, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return map[string]float64{}, nil
	}
	if err != nil {
		return nil, err
	}

	idCol, scoreCol := -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "cve_id", "cve":
			idCol = i
		case "epss_score", "epss":
			scoreCol = i
		}
	}
	if idCol < 0 || scoreCol < 0 {
		return nil, fmt.Errorf("%w: epss header %v", errMalformed, header)
	}

	out := make(map[string]float64)
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(row) <= idCol || len(row) <= scoreCol {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(row[scoreCol]), 64)
		if err != nil || f < 0 || f > 1 {
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(row[idCol]))] = f
	}
	return out, nil
}

func parseAliases(data []byte) (map[string]string, error) {
	root, err := parseJSON(data)
	if err != nil {
		return nil, err
	}
	if !root.IsObject() {
		return nil, errMalformed
	}

	out := make(map[string]string)
	root.ForEach(func(k, v gjson.Result) bool {
		alias := strings.ToLower(strings.TrimSpace(k.String()))
		canonical := strings.TrimSpace(v.String())
		if alias != "" && canonical != "" {
			out[alias] = canonical
		}
		return true
	})
	return out, nil
}

func rangeFrom(prefix, id string, v gjson.Result) AffectedRange {
	return AffectedRange{
		Prefix: prefix,
		CVEID:  strings.ToUpper(id),
		Min:    firstString(v, []string{"min_version", "version_min", "versionStartIncluding"}),
		Max:    firstString(v, []string{"max_version", "version_max", "versionEndIncluding"}),
	}
}

// parseAffects reads prefix -> id -> {min_version, max_version}. A list of
// bounds per id describes several disjoint ranges.
func parseAffects(data []byte) ([]AffectedRange, error) {
	root, err := parseJSON(data)
	if err != nil {
		return nil, err
	}
	if !root.IsObject() {
		return nil, errMalformed
	}

	var out []AffectedRange
	root.ForEach(func(p, byID gjson.Result) bool {
		prefix := strings.TrimSpace(p.String())
		if prefix == "" || !byID.IsObject() {
			return true
		}
		byID.ForEach(func(k, v gjson.Result) bool {
			switch {
			case v.IsArray():
				for _, e := range v.Array() {
					out = append(out, rangeFrom(prefix, k.String(), e))
				}
			case v.IsObject():
				out = append(out, rangeFrom(prefix, k.String(), v))
			}
			return true
		})
		return true
	})

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Prefix != out[j].Prefix {
			return out[i].Prefix < out[j].Prefix
		}
		return out[i].CVEID < out[j].CVEID
	})
	return out, nil
}
