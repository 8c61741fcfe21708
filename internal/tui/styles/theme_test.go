package styles

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
)

const validTheme = `name: Night
version: "1"
colors:
  primary: "#111111"
  secondary: "#222"
  warning: "#333333"
  error: "#444444"
  muted: "#555555"
  surface: "#666666"
  text: "#777777"
  border: "#888888"
`

func TestLoadThemeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "night.yaml")
	if err := os.WriteFile(path, []byte(validTheme), 0644); err != nil {
		t.Fatal(err)
	}

	theme, err := LoadThemeFile(path)
	if err != nil {
		t.Fatalf("LoadThemeFile failed: %v", err)
	}
	p := theme.Palette()
	if p.Primary != lipgloss.Color("#111111") || p.Secondary != lipgloss.Color("#222") {
		t.Errorf("palette = %+v", p)
	}
	if p.Info != DefaultPalette().Info {
		t.Errorf("Info should fall back to default, got %v", p.Info)
	}
}

func TestParseTheme_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad yaml", "name: [", "parsing theme file"},
		{"no name", strings.Replace(validTheme, "name: Night", "name: \"\"", 1), "name is required"},
		{"bad version", strings.Replace(validTheme, `version: "1"`, `version: "2"`, 1), "unsupported theme version"},
		{"missing color", strings.Replace(validTheme, `  border: "#888888"`+"\n", "", 1), "'border' is required"},
		{"bad hex", strings.Replace(validTheme, `"#444444"`, `"red"`, 1), "'error' has invalid format"},
		{"bad info", validTheme + `  info: "#12"` + "\n", "'info' has invalid format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTheme([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ParseTheme() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadThemeFile_Missing(t *testing.T) {
	if _, err := LoadThemeFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
