package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// loadFrontmatter reads a markdown file's leading "---" delimited YAML
// block and merges it into v, mirroring the dual-format convention the
// spec-input loader (internal/specinput) uses for spec files.
func loadFrontmatter(v *viper.Viper, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	block, ok := frontmatterBlock(string(raw))
	if !ok {
		return fmt.Errorf("%s has no yaml frontmatter block", path)
	}

	var data map[string]interface{}
	if err := yaml.Unmarshal([]byte(block), &data); err != nil {
		return fmt.Errorf("parse frontmatter in %s: %w", path, err)
	}
	return v.MergeConfigMap(data)
}

func frontmatterBlock(content string) (string, bool) {
	const delim = "---"
	content = strings.TrimLeft(content, "\uFEFF \t\r\n")
	if !strings.HasPrefix(content, delim) {
		return "", false
	}
	rest := content[len(delim):]
	end := strings.Index(rest, "\n"+delim)
	if end < 0 {
		return "", false
	}
	return strings.TrimPrefix(rest[:end], "\n"), true
}
