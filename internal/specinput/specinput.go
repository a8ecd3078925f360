// Package specinput parses the two spec-input formats the initializer
// accepts into a canonical Spec: a markdown layout with an H1 title,
// optional Overview section, and a Features section of H3 categories,
// or a YAML document with an explicit schema.
package specinput

import (
	"bufio"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Acceptance is one acceptance criterion, either freeform text or a
// structured test/verify pair.
type Acceptance struct {
	Text   string `yaml:"-"`
	Test   string `yaml:"test,omitempty"`
	Verify string `yaml:"verify,omitempty"`
}

// UnmarshalYAML accepts either a bare string or a {test, verify?} map.
func (a *Acceptance) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&a.Text)
	}
	type alias struct {
		Test   string `yaml:"test"`
		Verify string `yaml:"verify"`
	}
	var v alias
	if err := value.Decode(&v); err != nil {
		return err
	}
	a.Test, a.Verify = v.Test, v.Verify
	return nil
}

// Feature is one unit of work within a spec.
type Feature struct {
	Title       string       `yaml:"title"`
	Description string       `yaml:"description,omitempty"`
	Complexity  string       `yaml:"complexity,omitempty"`
	Priority    int          `yaml:"priority,omitempty"`
	Files       []string     `yaml:"files,omitempty"`
	DependsOn   []string     `yaml:"depends_on,omitempty"`
	Acceptance  []Acceptance `yaml:"acceptance,omitempty"`
	Labels      []string     `yaml:"labels,omitempty"`
}

// Spec is the canonical internal form both input formats convert to.
type Spec struct {
	Title      string    `yaml:"title"`
	Overview   string    `yaml:"overview,omitempty"`
	Property   string    `yaml:"property,omitempty"`
	Complexity string    `yaml:"complexity,omitempty"`
	Features   []Feature `yaml:"features"`
}

// Validate checks the fields the JSON Schema would enforce on the YAML
// form, and the structural requirements the markdown form implies.
func (s *Spec) Validate() []error {
	var errs []error
	if strings.TrimSpace(s.Title) == "" {
		errs = append(errs, fmt.Errorf("title: is required"))
	}
	if len(s.Features) == 0 {
		errs = append(errs, fmt.Errorf("features: at least one feature is required"))
	}
	titles := make(map[string]bool, len(s.Features))
	for _, f := range s.Features {
		titles[f.Title] = true
	}
	for i, f := range s.Features {
		if strings.TrimSpace(f.Title) == "" {
			errs = append(errs, fmt.Errorf("features[%d].title: is required", i))
		}
		for _, dep := range f.DependsOn {
			if !titles[dep] {
				errs = append(errs, fmt.Errorf("features[%d].depends_on: %q does not match any feature title", i, dep))
			}
		}
	}
	return errs
}

// Parse detects the input format (YAML if it parses as a mapping with a
// "features" or "title" key, markdown otherwise) and returns the
// canonical Spec.
func Parse(content string) (*Spec, error) {
	trimmed := strings.TrimSpace(content)
	if looksLikeYAML(trimmed) {
		return parseYAML(content)
	}
	return parseMarkdown(content)
}

func looksLikeYAML(trimmed string) bool {
	if strings.HasPrefix(trimmed, "#") {
		return false
	}
	var probe map[string]interface{}
	if err := yaml.Unmarshal([]byte(trimmed), &probe); err != nil {
		return false
	}
	_, hasFeatures := probe["features"]
	_, hasTitle := probe["title"]
	return hasFeatures || hasTitle
}

func parseYAML(content string) (*Spec, error) {
	var s Spec
	if err := yaml.Unmarshal([]byte(content), &s); err != nil {
		return nil, fmt.Errorf("parse yaml spec: %w", err)
	}
	return &s, nil
}

var (
	h1Prefix  = "# "
	h2Prefix  = "## "
	h3Prefix  = "### "
	bulletSet = " -*+"
)

// parseMarkdown handles the markdown layout: H1 title, optional
// "## Overview" section, and a "## Features" section of H3 categories
// containing bullet features with indented bullets as acceptance
// criteria.
func parseMarkdown(content string) (*Spec, error) {
	lines := strings.Split(content, "\n")
	s := &Spec{}

	var section string
	var overview strings.Builder
	var currentFeature *Feature
	var inFeaturesSection bool

	flushFeature := func() {
		if currentFeature != nil {
			s.Features = append(s.Features, *currentFeature)
			currentFeature = nil
		}
	}

	for _, raw := range lines {
		line := strings.TrimRight(raw, "\r")
		trimmed := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(line, h1Prefix):
			s.Title = strings.TrimSpace(strings.TrimPrefix(line, h1Prefix))
			continue
		case strings.HasPrefix(line, h2Prefix):
			flushFeature()
			heading := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, h2Prefix)))
			section = heading
			inFeaturesSection = heading == "features"
			continue
		case strings.HasPrefix(line, h3Prefix) && inFeaturesSection:
			// H3 is a feature category; features/acceptance are tracked
			// flat, the category itself is not modeled as a separate field.
			flushFeature()
			continue
		}

		if section == "overview" && trimmed != "" {
			if overview.Len() > 0 {
				overview.WriteString(" ")
			}
			overview.WriteString(trimmed)
			continue
		}

		if !inFeaturesSection || trimmed == "" {
			continue
		}

		indent := leadingSpaces(line)
		isBullet := len(trimmed) > 0 && strings.ContainsRune(bulletSet, rune(trimmed[0]))

		if isBullet && indent == 0 {
			flushFeature()
			currentFeature = &Feature{Title: strings.TrimSpace(trimmed[1:])}
			continue
		}
		if isBullet && indent > 0 && currentFeature != nil {
			currentFeature.Acceptance = append(currentFeature.Acceptance, Acceptance{Text: strings.TrimSpace(trimmed[1:])})
			continue
		}
	}
	flushFeature()
	s.Overview = overview.String()
	return s, nil
}

func leadingSpaces(line string) int {
	n := 0
	for _, r := range line {
		if r == ' ' {
			n++
		} else if r == '\t' {
			n += 4
		} else {
			break
		}
	}
	return n
}

// ScanFeatureBlocks is a convenience helper for callers that want the
// raw H3 category groupings alongside the flattened feature list (e.g.
// to label features by category). It re-scans content independently of
// Parse since categories are not retained on Feature itself.
func ScanFeatureBlocks(content string) (map[string][]string, error) {
	scanner := bufio.NewScanner(strings.NewReader(content))
	blocks := make(map[string][]string)
	current := ""
	inFeatures := false
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, h2Prefix):
			inFeatures = strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(line, h2Prefix)), "features")
		case inFeatures && strings.HasPrefix(line, h3Prefix):
			current = strings.TrimSpace(strings.TrimPrefix(line, h3Prefix))
		case inFeatures && current != "":
			trimmed := strings.TrimSpace(line)
			if len(trimmed) > 0 && strings.ContainsRune(bulletSet, rune(trimmed[0])) && leadingSpaces(line) == 0 {
				blocks[current] = append(blocks[current], strings.TrimSpace(trimmed[1:]))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return blocks, nil
}
