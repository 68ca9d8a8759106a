// Package menu describes the tool menu the pipeline pushes into the host
// with define_menu.
package menu

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Menu is the define_menu payload. The same shape is read from YAML files.
type Menu struct {
	Title string `yaml:"title" json:"title"`
	Items []Item `yaml:"menu_items" json:"menu_items"`
}

// Item is one button. Clicking it calls Callback on the pipeline side.
type Item struct {
	Callback string `yaml:"callback" json:"callback"`
	Label    string `yaml:"label" json:"label"`
	Help     string `yaml:"help,omitempty" json:"help,omitempty"`
}

// Validate checks that every item can be rendered and clicked.
func (m *Menu) Validate() error {
	for i, it := range m.Items {
		if it.Callback == "" {
			return fmt.Errorf("menu item %d: callback is required", i)
		}
		if it.Label == "" {
			return fmt.Errorf("menu item %d (%s): label is required", i, it.Callback)
		}
	}
	return nil
}

// Callbacks returns the callback names in item order, without duplicates.
func (m *Menu) Callbacks() []string {
	seen := make(map[string]bool, len(m.Items))
	var out []string
	for _, it := range m.Items {
		if !seen[it.Callback] {
			seen[it.Callback] = true
			out = append(out, it.Callback)
		}
	}
	return out
}

// ParseFile reads and validates a menu from a YAML file.
func ParseFile(path string) (*Menu, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read menu: %w", err)
	}
	return ParseBytes(data)
}

// ParseBytes parses and validates a menu from YAML bytes.
func ParseBytes(data []byte) (*Menu, error) {
	var m Menu
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse menu: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Default is the menu used when none is configured.
func Default() *Menu {
	return &Menu{
		Title: "Pipeline Tools",
		Items: []Item{
			{Callback: "workfiles_tool", Label: "Workfiles", Help: "Open workfiles tool"},
			{Callback: "loader_tool", Label: "Load", Help: "Open loader tool"},
			{Callback: "creator_tool", Label: "Create", Help: "Open creator tool"},
			{Callback: "scene_inventory_tool", Label: "Scene inventory", Help: "Open scene inventory tool"},
			{Callback: "publish_tool", Label: "Publish", Help: "Open publisher"},
			{Callback: "library_loader_tool", Label: "Library", Help: "Open library loader tool"},
		},
	}
}
