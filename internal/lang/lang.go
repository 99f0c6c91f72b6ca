// Package lang holds the language registry shared by the gateway and the
// translation worker: ISO 639-1 codes, display names, and the NLLB-200
// codes the translation model expects.
//
// The registry ships embedded; deployments can swap it for a file on disk
// to add or restrict languages without rebuilding.
package lang

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
	"gopkg.in/yaml.v3"
)

//go:embed languages.yaml
var embedded []byte

// Language is one registry entry.
type Language struct {
	// Code is the ISO 639-1 code clients use (e.g., "en", "vi").
	Code string `yaml:"code"`

	// Name is the English display name.
	Name string `yaml:"name"`

	// NLLB is the NLLB-200 BCP-47 code (e.g., "eng_Latn", "vie_Latn").
	NLLB string `yaml:"nllb"`
}

// registryFile is the top-level structure of a registry YAML file.
type registryFile struct {
	Languages []Language `yaml:"languages"`
}

// Registry answers language lookups. Read-only after construction and safe
// for concurrent use.
type Registry struct {
	byCode map[string]Language
	codes  []string
}

// Default parses the embedded registry.
func Default() (*Registry, error) {
	return Load(bytes.NewReader(embedded))
}

// LoadFile reads and parses a registry YAML file from disk.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("lang: open registry file %q: %w", path, err)
	}
	defer f.Close()

	r, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("lang: parse registry file %q: %w", path, err)
	}
	return r, nil
}

// Load parses registry YAML from an [io.Reader]. The reader is consumed
// entirely; the caller is responsible for closing it.
func Load(r io.Reader) (*Registry, error) {
	var rf registryFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true) // reject unknown keys to catch typos
	if err := dec.Decode(&rf); err != nil {
		return nil, fmt.Errorf("lang: decode registry yaml: %w", err)
	}

	reg := &Registry{byCode: make(map[string]Language, len(rf.Languages))}
	var errs []error
	for i, l := range rf.Languages {
		code := strings.ToLower(strings.TrimSpace(l.Code))
		switch {
		case code == "":
			errs = append(errs, fmt.Errorf("lang: entry %d: code must not be empty", i))
			continue
		case l.NLLB == "":
			errs = append(errs, fmt.Errorf("lang: entry %d (%s): nllb code must not be empty", i, code))
			continue
		case l.Name == "":
			errs = append(errs, fmt.Errorf("lang: entry %d (%s): name must not be empty", i, code))
			continue
		}
		if _, dup := reg.byCode[code]; dup {
			errs = append(errs, fmt.Errorf("lang: duplicate code %q", code))
			continue
		}
		l.Code = code
		reg.byCode[code] = l
		reg.codes = append(reg.codes, code)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if len(reg.codes) == 0 {
		return nil, errors.New("lang: registry contains no languages")
	}
	sort.Strings(reg.codes)
	return reg, nil
}

// Known reports whether code is in the registry. Case-insensitive.
func (r *Registry) Known(code string) bool {
	_, ok := r.byCode[normalize(code)]
	return ok
}

// Name returns the display name for code, or "" when unknown.
func (r *Registry) Name(code string) string {
	return r.byCode[normalize(code)].Name
}

// NLLB converts an ISO 639-1 code to its NLLB-200 form. Unknown codes pass
// through unchanged so the translation backend can reject them itself.
func (r *Registry) NLLB(code string) string {
	if l, ok := r.byCode[normalize(code)]; ok {
		return l.NLLB
	}
	return code
}

// Codes returns the registered codes in sorted order.
func (r *Registry) Codes() []string {
	out := make([]string, len(r.codes))
	copy(out, r.codes)
	return out
}

// Validate checks a source/target pair, reporting every unknown code with
// a suggestion when a near-miss exists.
func (r *Registry) Validate(source, target string) error {
	var errs []error
	if !r.Known(source) {
		errs = append(errs, r.unknownErr("source", source))
	}
	if !r.Known(target) {
		errs = append(errs, r.unknownErr("target", target))
	}
	return errors.Join(errs...)
}

func (r *Registry) unknownErr(role, code string) error {
	if s, ok := r.Suggest(code); ok {
		return fmt.Errorf("lang: unknown %s language %q (did you mean %q?)", role, code, s)
	}
	return fmt.Errorf("lang: unknown %s language %q", role, code)
}

// Suggest returns the registered code closest to input by Levenshtein
// distance over both codes and display names. Short inputs must be within
// distance 1, longer ones within 2; ties break in code order.
func (r *Registry) Suggest(input string) (string, bool) {
	in := normalize(input)
	if in == "" {
		return "", false
	}
	maxDist := 2
	if len(in) <= 3 {
		maxDist = 1
	}

	best := maxDist + 1
	bestCode := ""
	for _, code := range r.codes {
		d := matchr.Levenshtein(in, code)
		if nd := matchr.Levenshtein(in, strings.ToLower(r.byCode[code].Name)); nd < d {
			d = nd
		}
		if d < best {
			best, bestCode = d, code
		}
	}
	if bestCode == "" {
		return "", false
	}
	return bestCode, true
}

func normalize(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
