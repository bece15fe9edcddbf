package util

import "testing"

func TestSlugify(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plan name", "Plan de Gobierno 2024", "plan-de-gobierno-2024"},
		{"accents folded", "Educación", "educacion"},
		{"enye folded", "Año Señorial", "ano-senorial"},
		{"slash separator", "Educación / Cultura", "educacion-cultura"},
		{"dots", "v1.2 ejes", "v1-2-ejes"},
		{"underscores", "ejes_estrategicos", "ejes-estrategicos"},
		{"punctuation removed", "¡Ejes!", "ejes"},
		{"dash trimming", "  --Ejes--  ", "ejes"},
		{"already a slug", "categorias", "categorias"},
		{"empty", "", ""},
		{"only symbols", "?!#", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Slugify(tt.input); got != tt.expected {
				t.Errorf("Slugify(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}
