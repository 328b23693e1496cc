package inventory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/tidwall/gjson"
)

var ErrInventoryFormat = errors.New("unrecognised inventory file")

// FileSource reads a JSON list of {name, version} objects or a CycloneDX
// SBOM in JSON or XML.
type FileSource struct {
	Path string
}

func (s FileSource) Name() string { return "file" }

func (s FileSource) ListInstalled(ctx context.Context) ([]Item, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(data)
	switch {
	case strings.EqualFold(filepath.Ext(s.Path), ".xml") || bytes.HasPrefix(trimmed, []byte("<")):
		return decodeBOM(trimmed, cdx.BOMFileFormatXML)
	case !gjson.ValidBytes(trimmed):
		return nil, fmt.Errorf("%w: %s is not valid JSON", ErrInventoryFormat, s.Path)
	case gjson.GetBytes(trimmed, "bomFormat").String() == "CycloneDX":
		return decodeBOM(trimmed, cdx.BOMFileFormatJSON)
	}

	list := gjson.ParseBytes(trimmed)
	if !list.IsArray() {
		for _, k := range []string{"apps", "items", "applications"} {
			if v := list.Get(k); v.IsArray() {
				list = v
				break
			}
		}
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("%w: %s", ErrInventoryFormat, s.Path)
	}

	var items []Item
	list.ForEach(func(_, v gjson.Result) bool {
		name := firstString(v, "name", "app", "app_name")
		if name == "" {
			return true
		}
		items = append(items, Item{Name: name, Version: v.Get("version").String(), Source: s.Name()})
		return true
	})
	return items, nil
}

func firstString(v gjson.Result, keys ...string) string {
	for _, k := range keys {
		if s := strings.TrimSpace(v.Get(k).String()); s != "" {
			return s
		}
	}
	return ""
}

func decodeBOM(data []byte, format cdx.BOMFileFormat) ([]Item, error) {
	bom := new(cdx.BOM)
	if err := cdx.NewBOMDecoder(bytes.NewReader(data), format).Decode(bom); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInventoryFormat, err)
	}

	var items []Item
	var walk func(cs *[]cdx.Component)
	walk = func(cs *[]cdx.Component) {
		if cs == nil {
			return
		}
		for _, c := range *cs {
			if c.Name != "" {
				items = append(items, Item{Name: c.Name, Version: c.Version, Source: "sbom"})
			}
			walk(c.Components)
		}
	}
	walk(bom.Components)
	return items, nil
}
