package cpe

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	Prefix   = "cpe:2.3"
	Wildcard = "*"

	fieldCount = 13
)

var (
	ErrResolutionFailure = errors.New("identifier resolution failed")
	ErrInvalidIdentifier = errors.New("invalid cpe identifier")

	nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)
)

// Identifier is a CPE 2.3 formatted string split into its components.
type Identifier struct {
	Part      string
	Vendor    string
	Product   string
	Version   string
	Update    string
	Edition   string
	Language  string
	SwEdition string
	TargetSw  string
	TargetHw  string
	Other     string
}

// NewApplication builds an application identifier with every trailing field wildcarded.
func NewApplication(vendor, product, version string) Identifier {
	return Identifier{
		Part:      "a",
		Vendor:    vendor,
		Product:   product,
		Version:   version,
		Update:    Wildcard,
		Edition:   Wildcard,
		Language:  Wildcard,
		SwEdition: Wildcard,
		TargetSw:  Wildcard,
		TargetHw:  Wildcard,
		Other:     Wildcard,
	}
}

func (id Identifier) fields() []string {
	return []string{
		id.Part, id.Vendor, id.Product, id.Version, id.Update, id.Edition,
		id.Language, id.SwEdition, id.TargetSw, id.TargetHw, id.Other,
	}
}

func (id Identifier) String() string {
	return Prefix + ":" + strings.Join(id.fields(), ":")
}

func (id Identifier) IsZero() bool {
	return id == Identifier{}
}

// Validate reports whether s is a well formed cpe:2.3 string.
func Validate(s string) bool {
	parts := strings.Split(s, ":")
	if len(parts) != fieldCount {
		return false
	}
	return parts[0] == "cpe" && parts[1] == "2.3"
}

// Parse splits a formatted string, lowercasing vendor and product.
func Parse(s string) (Identifier, error) {
	s = strings.TrimSpace(s)
	if !Validate(s) {
		return Identifier{}, fmt.Errorf("%w: %q", ErrInvalidIdentifier, s)
	}

	p := strings.Split(s, ":")
	return Identifier{
		Part:      p[2],
		Vendor:    strings.ToLower(p[3]),
		Product:   strings.ToLower(p[4]),
		Version:   p[5],
		Update:    p[6],
		Edition:   p[7],
		Language:  p[8],
		SwEdition: p[9],
		TargetSw:  p[10],
		TargetHw:  p[11],
		Other:     p[12],
	}, nil
}

func isWild(s string) bool {
	return s == Wildcard || s == "-" || s == ""
}

// Wildcards counts wildcarded fields among vendor, product and version.
func (id Identifier) Wildcards() int {
	n := 0
	for _, f := range []string{id.Vendor, id.Product, id.Version} {
		if isWild(f) {
			n++
		}
	}
	return n
}

// Specificity scores how concrete an identifier is.
func (id Identifier) Specificity() int {
	score := 0
	if !isWild(id.Vendor) {
		score += 10
	}
	if !isWild(id.Product) {
		score += 10
	}
	if !isWild(id.Version) {
		score += 20 + len(id.Version)
	}
	return score
}

// ProductKey is the vendor/product pair used for store indices, vendor
// may be the wildcard.
func (id Identifier) ProductKey() string {
	vendor := id.Vendor
	if isWild(vendor) {
		vendor = Wildcard
	}
	return vendor + ":" + id.Product
}

// NormalizeName lowercases and collapses every non-alphanumeric run to an
// underscore.
func NormalizeName(name string) string {
	n := nonAlnum.ReplaceAllString(strings.ToLower(name), "_")
	return strings.Trim(n, "_")
}
