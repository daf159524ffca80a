package compositor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/gobolditalic"
	"golang.org/x/image/font/gofont/goitalic"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/gofont/gomonobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
)

type variant int

const (
	regular variant = iota
	bold
	italic
	boldItalic
)

func variantOf(b, i bool) variant {
	switch {
	case b && i:
		return boldItalic
	case b:
		return bold
	case i:
		return italic
	}
	return regular
}

var variantSuffix = map[string]variant{
	"":           regular,
	"regular":    regular,
	"bold":       bold,
	"italic":     italic,
	"oblique":    italic,
	"bolditalic": boldItalic,
}

type fontKey struct {
	family string
	v      variant
}

// FontSet holds parsed fonts keyed by lower-case family name. Parsed fonts are shared;
// faces are created per render call because a font.Face is not safe for concurrent use.
type FontSet struct {
	fonts map[fontKey]*opentype.Font
}

var (
	defaultFonts     *FontSet
	defaultFontsOnce sync.Once
)

// DefaultFonts returns the bundled Go fonts: "sans" (the fallback) and "mono".
func DefaultFonts() *FontSet {
	defaultFontsOnce.Do(func() {
		fs := &FontSet{fonts: make(map[fontKey]*opentype.Font)}
		for _, f := range []struct {
			family string
			v      variant
			data   []byte
		}{
			{"sans", regular, goregular.TTF},
			{"sans", bold, gobold.TTF},
			{"sans", italic, goitalic.TTF},
			{"sans", boldItalic, gobolditalic.TTF},
			{"mono", regular, gomono.TTF},
			{"mono", bold, gomonobold.TTF},
		} {
			parsed, err := opentype.Parse(f.data)
			if err != nil {
				panic(fmt.Sprintf("bundled font %s: %v", f.family, err))
			}
			fs.fonts[fontKey{f.family, f.v}] = parsed
		}
		defaultFonts = fs
	})
	return defaultFonts
}

// LoadFontDir adds every .ttf/.otf in dir on top of the bundled fonts. File names follow
// "Family-Variant.ttf", e.g. "Roboto-BoldItalic.ttf"; a name without a variant is regular.
func LoadFontDir(dir string) (*FontSet, error) {
	fs := &FontSet{fonts: make(map[fontKey]*opentype.Font)}
	for k, v := range DefaultFonts().fonts {
		fs.fonts[k] = v
	}
	if dir == "" {
		return fs, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".ttf" && ext != ".otf") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		parsed, err := opentype.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("font %s: %w", e.Name(), err)
		}
		fs.fonts[parseFontName(e.Name())] = parsed
	}
	return fs, nil
}

func parseFontName(name string) fontKey {
	base := strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name)))
	if i := strings.LastIndex(base, "-"); i > 0 {
		if v, ok := variantSuffix[base[i+1:]]; ok {
			return fontKey{base[:i], v}
		}
	}
	return fontKey{base, regular}
}

// Families lists the loaded family names.
func (fs *FontSet) Families() []string {
	seen := make(map[string]bool)
	var out []string
	for k := range fs.fonts {
		if !seen[k.family] {
			seen[k.family] = true
			out = append(out, k.family)
		}
	}
	return out
}

func (fs *FontSet) lookup(family string, v variant) *opentype.Font {
	family = strings.ToLower(strings.TrimSpace(family))
	fallback := "sans"
	if strings.Contains(family, "mono") || family == "monospace" {
		fallback = "mono"
	}
	for _, k := range []fontKey{{family, v}, {family, regular}, {fallback, v}, {fallback, regular}, {"sans", regular}} {
		if f, ok := fs.fonts[k]; ok {
			return f
		}
	}
	return nil
}

// Face creates a new face of the best matching font at px pixels. The caller closes it.
func (fs *FontSet) Face(family string, b, i bool, px float64) (font.Face, error) {
	f := fs.lookup(family, variantOf(b, i))
	if f == nil {
		return nil, fmt.Errorf("no font for family %q", family)
	}
	return opentype.NewFace(f, &opentype.FaceOptions{
		Size:    px,
		DPI:     72,
		Hinting: font.HintingNone,
	})
}
