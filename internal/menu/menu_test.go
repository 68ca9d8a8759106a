package menu

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestParseBytes(t *testing.T) {
	m, err := ParseBytes([]byte(`
title: Studio
menu_items:
  - callback: workfiles_tool
    label: Workfiles
    help: Open workfiles tool
  - callback: loader_tool
    label: Load
`))
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}
	if m.Title != "Studio" || len(m.Items) != 2 {
		t.Fatalf("menu = %+v", m)
	}
	if m.Items[0].Help != "Open workfiles tool" || m.Items[1].Help != "" {
		t.Errorf("items = %+v", m.Items)
	}
}

func TestParseInvalid(t *testing.T) {
	tests := map[string]string{
		"bad yaml":       "title: [unclosed",
		"missing label":  "menu_items:\n  - callback: x\n",
		"missing action": "menu_items:\n  - label: X\n",
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseBytes([]byte(in)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "menu.yaml")
	os.WriteFile(path, []byte("title: T\nmenu_items:\n  - {callback: a, label: A}\n"), 0o644)
	m, err := ParseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if m.Items[0].Callback != "a" {
		t.Errorf("items = %+v", m.Items)
	}
	if _, err := ParseFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestJSONShape(t *testing.T) {
	data, err := json.Marshal(&Menu{Title: "T", Items: []Item{{Callback: "c", Label: "L"}}})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"title":"T","menu_items":[{"callback":"c","label":"L"}]}`
	if string(data) != want {
		t.Errorf("json = %s, want %s", data, want)
	}
}

func TestCallbacks(t *testing.T) {
	m := &Menu{Items: []Item{{Callback: "a"}, {Callback: "b"}, {Callback: "a"}}}
	if got := m.Callbacks(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Callbacks = %v", got)
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("default menu invalid: %v", err)
	}
}
