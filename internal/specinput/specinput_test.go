package specinput

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const markdownSpec = `# Widget Tracker

## Overview

A small tool for tracking widgets across warehouses.

## Features

### Core

- Add widget
  - widget appears in the inventory list
  - widget has a unique id
- Remove widget
  - widget no longer appears in the inventory list

### Reporting

- Export CSV
  - CSV file contains one row per widget
`

func TestParseMarkdownExtractsTitleAndOverview(t *testing.T) {
	s, err := Parse(markdownSpec)
	require.NoError(t, err)
	assert.Equal(t, "Widget Tracker", s.Title)
	assert.Contains(t, s.Overview, "tracking widgets")
}

func TestParseMarkdownExtractsFeaturesAcrossCategories(t *testing.T) {
	s, err := Parse(markdownSpec)
	require.NoError(t, err)
	require.Len(t, s.Features, 3)
	assert.Equal(t, "Add widget", s.Features[0].Title)
	assert.Equal(t, "Export CSV", s.Features[2].Title)
}

func TestParseMarkdownExtractsIndentedAcceptanceCriteria(t *testing.T) {
	s, err := Parse(markdownSpec)
	require.NoError(t, err)
	require.Len(t, s.Features[0].Acceptance, 2)
	assert.Equal(t, "widget appears in the inventory list", s.Features[0].Acceptance[0].Text)
}

func TestScanFeatureBlocksGroupsByCategory(t *testing.T) {
	blocks, err := ScanFeatureBlocks(markdownSpec)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Add widget", "Remove widget"}, blocks["Core"])
	assert.ElementsMatch(t, []string{"Export CSV"}, blocks["Reporting"])
}

const yamlSpec = `
title: Widget Tracker
overview: A small tool for tracking widgets.
features:
  - title: Add widget
    priority: 1
    acceptance:
      - widget appears in the inventory list
      - test: has_unique_id
        verify: manual
  - title: Remove widget
    depends_on: [Add widget]
`

func TestParseYAMLExtractsFeaturesAndAcceptance(t *testing.T) {
	s, err := Parse(yamlSpec)
	require.NoError(t, err)
	assert.Equal(t, "Widget Tracker", s.Title)
	require.Len(t, s.Features, 2)
	assert.Equal(t, 1, s.Features[0].Priority)
	require.Len(t, s.Features[0].Acceptance, 2)
	assert.Equal(t, "widget appears in the inventory list", s.Features[0].Acceptance[0].Text)
	assert.Equal(t, "has_unique_id", s.Features[0].Acceptance[1].Test)
	assert.Equal(t, []string{"Add widget"}, s.Features[1].DependsOn)
}

func TestValidateRejectsMissingTitleAndUnknownDependency(t *testing.T) {
	s := &Spec{Features: []Feature{{Title: "A", DependsOn: []string{"ghost"}}}}
	errs := s.Validate()
	require.Len(t, errs, 2)
}

func TestValidateAcceptsWellFormedSpec(t *testing.T) {
	s, err := Parse(yamlSpec)
	require.NoError(t, err)
	assert.Empty(t, s.Validate())
}
