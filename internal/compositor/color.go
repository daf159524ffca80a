package compositor

import (
	"image/color"
	"strconv"
	"strings"

	"golang.org/x/image/colornames"
)

// ParseColor accepts #RGB, #RGBA, #RRGGBB, #RRGGBBAA, rgb(r,g,b), rgba(r,g,b,a), SVG colour names
// and transparent.
func ParseColor(s string) (color.NRGBA, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "transparent" {
		return color.NRGBA{}, true
	}
	if c, ok := colornames.Map[s]; ok {
		return color.NRGBA{R: c.R, G: c.G, B: c.B, A: c.A}, true
	}

	if hex, ok := strings.CutPrefix(s, "#"); ok {
		if len(hex) == 3 || len(hex) == 4 {
			var b strings.Builder
			for _, r := range hex {
				b.WriteRune(r)
				b.WriteRune(r)
			}
			hex = b.String()
		}
		if len(hex) == 6 {
			hex += "ff"
		}
		if len(hex) != 8 {
			return color.NRGBA{}, false
		}
		v, err := strconv.ParseUint(hex, 16, 32)
		if err != nil {
			return color.NRGBA{}, false
		}
		return color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, true
	}

	for _, fn := range []string{"rgba(", "rgb("} {
		body, ok := strings.CutPrefix(s, fn)
		if !ok {
			continue
		}
		parts := strings.Split(strings.TrimSuffix(body, ")"), ",")
		if len(parts) != 3 && len(parts) != 4 {
			return color.NRGBA{}, false
		}
		var ch [3]uint8
		for i := 0; i < 3; i++ {
			n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
			if err != nil || n < 0 || n > 255 {
				return color.NRGBA{}, false
			}
			ch[i] = uint8(n)
		}
		a := 1.0
		if len(parts) == 4 {
			f, err := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
			if err != nil || f < 0 || f > 1 {
				return color.NRGBA{}, false
			}
			a = f
		}
		return color.NRGBA{R: ch[0], G: ch[1], B: ch[2], A: uint8(a*255 + 0.5)}, true
	}
	return color.NRGBA{}, false
}

func parseColorOr(s string, def color.NRGBA) color.NRGBA {
	if c, ok := ParseColor(s); ok {
		return c
	}
	return def
}
