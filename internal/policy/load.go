package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Load reads a YAML policy. Absent fields keep their defaults, unknown
// fields are rejected and a missing file yields Default().
func Load(path string) (Policy, error) {
	p := Default()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debugf("policy file %s not found, using defaults", path)
			return p, nil
		}
		return p, fmt.Errorf("read policy: %w", err)
	}

	return Parse(data)
}

func Parse(data []byte) (Policy, error) {
	p := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Default(), fmt.Errorf("parse policy: %w", err)
	}

	p.normalize()
	if err := p.Validate(); err != nil {
		return Default(), err
	}
	return p, nil
}
