// Package knowledge loads the fixed FAQ set and ranks entries against a
// customer question by keyword overlap.
package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry is one read-only knowledge base article.
type Entry struct {
	ID       string   `json:"id,omitempty" yaml:"id,omitempty"`
	Question string   `json:"question" yaml:"question"`
	Answer   string   `json:"answer" yaml:"answer"`
	Tags     []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// file is the on-disk layout shared by the JSON and YAML formats.
type file struct {
	FAQs []Entry `json:"faqs" yaml:"faqs"`
}

// Load reads a knowledge base from path. The format is picked by extension:
// .yaml/.yml are parsed as YAML, anything else as JSON.
func Load(path string) ([]Entry, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("read knowledge base: %w", err)
	}

	var f file
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &f)
	default:
		err = json.Unmarshal(raw, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("parse knowledge base %s: %w", path, err)
	}

	return normalize(f.FAQs)
}

// normalize validates entries and assigns positional ids to entries without one.
func normalize(entries []Entry) ([]Entry, error) {
	out := make([]Entry, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for i, e := range entries {
		e.Question = strings.TrimSpace(e.Question)
		e.Answer = strings.TrimSpace(e.Answer)
		if e.Question == "" || e.Answer == "" {
			return nil, fmt.Errorf("knowledge entry %d: question and answer are required", i)
		}
		if e.ID == "" {
			e.ID = "faq-" + strconv.Itoa(i+1)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("knowledge entry %d: duplicate id %q", i, e.ID)
		}
		seen[e.ID] = true
		out = append(out, e)
	}
	return out, nil
}
