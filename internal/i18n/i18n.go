// Package i18n holds the translation tables for command replies and
// announcement text. English is embedded as the fallback; additional
// languages can be loaded from a directory of JSON files and are
// overlaid on top of the English table per guild.
package i18n

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

//go:embed english.json
var builtin embed.FS

// DefaultLanguage is always present in a catalog.
const DefaultLanguage = "english"

// Command holds the translated strings for a single chat command.
type Command struct {
	Triggers []string          `json:"triggers"`
	Help     string            `json:"help"`
	Message  string            `json:"message"`
	Extra    map[string]string `json:"extra"`
}

// Table is the full set of strings for one language.
type Table struct {
	UnknownGame   string             `json:"unknownGame"`
	StreamStarted string             `json:"streamStarted"`
	Added         string             `json:"added"`
	Removed       string             `json:"removed"`
	Example       string             `json:"example"`
	NoPermission  string             `json:"noPermission"`
	CommandError  string             `json:"commandError"`
	Commands      map[string]Command `json:"commands"`
}

// Catalog is a set of language tables keyed by language name.
type Catalog struct {
	tables map[string]Table
}

// NewCatalog returns a catalog containing the embedded English table.
func NewCatalog() (*Catalog, error) {
	raw, err := builtin.ReadFile("english.json")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded english table: %w", err)
	}
	var english Table
	if err := json.Unmarshal(raw, &english); err != nil {
		return nil, fmt.Errorf("failed to parse embedded english table: %w", err)
	}
	return &Catalog{tables: map[string]Table{DefaultLanguage: english}}, nil
}

// LoadDir adds every *.json file in dir as a language named after the file.
func (c *Catalog) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read translations directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read translation %s: %w", entry.Name(), err)
		}
		var t Table
		if err := json.Unmarshal(raw, &t); err != nil {
			return fmt.Errorf("failed to parse translation %s: %w", entry.Name(), err)
		}
		name := strings.ToLower(strings.TrimSuffix(entry.Name(), ".json"))
		c.tables[name] = t
	}
	return nil
}

// Has reports whether the catalog contains the named language.
func (c *Catalog) Has(lang string) bool {
	_, ok := c.tables[strings.ToLower(lang)]
	return ok
}

// Languages returns the sorted names of all loaded languages.
func (c *Catalog) Languages() []string {
	names := make([]string, 0, len(c.tables))
	for name := range c.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// For returns the table for lang with English filling any missing strings.
// Unknown languages resolve to plain English.
func (c *Catalog) For(lang string) Table {
	english := c.tables[DefaultLanguage]
	overlay, ok := c.tables[strings.ToLower(lang)]
	if !ok {
		return english
	}
	return merge(english, overlay)
}

func merge(base, overlay Table) Table {
	out := base
	if overlay.UnknownGame != "" {
		out.UnknownGame = overlay.UnknownGame
	}
	if overlay.StreamStarted != "" {
		out.StreamStarted = overlay.StreamStarted
	}
	if overlay.Added != "" {
		out.Added = overlay.Added
	}
	if overlay.Removed != "" {
		out.Removed = overlay.Removed
	}
	if overlay.Example != "" {
		out.Example = overlay.Example
	}
	if overlay.NoPermission != "" {
		out.NoPermission = overlay.NoPermission
	}
	if overlay.CommandError != "" {
		out.CommandError = overlay.CommandError
	}
	out.Commands = make(map[string]Command, len(base.Commands))
	for name, cmd := range base.Commands {
		out.Commands[name] = cmd
	}
	for name, cmd := range overlay.Commands {
		merged, ok := out.Commands[name]
		if !ok {
			out.Commands[name] = cmd
			continue
		}
		if len(cmd.Triggers) > 0 {
			merged.Triggers = cmd.Triggers
		}
		if cmd.Help != "" {
			merged.Help = cmd.Help
		}
		if cmd.Message != "" {
			merged.Message = cmd.Message
		}
		if len(cmd.Extra) > 0 {
			if merged.Extra == nil {
				merged.Extra = make(map[string]string, len(cmd.Extra))
			} else {
				copied := make(map[string]string, len(merged.Extra)+len(cmd.Extra))
				for k, v := range merged.Extra {
					copied[k] = v
				}
				merged.Extra = copied
			}
			for k, v := range cmd.Extra {
				merged.Extra[k] = v
			}
		}
		out.Commands[name] = merged
	}
	return out
}
