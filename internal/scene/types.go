package scene

// AssetKind identifies what a MediaAsset contains
type AssetKind string

const (
	KindVideo AssetKind = "video"
	KindAudio AssetKind = "audio"
	KindImage AssetKind = "image"
	KindText  AssetKind = "text"
)

// AspectRatio is one of the fixed canvas formats
type AspectRatio string

const (
	Aspect16x9 AspectRatio = "16:9"
	Aspect9x16 AspectRatio = "9:16"
	Aspect1x1  AspectRatio = "1:1"
	Aspect4x5  AspectRatio = "4:5"
	Aspect4x3  AspectRatio = "4:3"
)

// MediaAsset is an immutable reference to source content
type MediaAsset struct {
	ID       string    `yaml:"id" json:"id"`
	Kind     AssetKind `yaml:"kind" json:"kind"`
	Source   string    `yaml:"source" json:"source"`
	Duration float64   `yaml:"duration,omitempty" json:"duration,omitempty"` // 0 = unknown
	Width    int       `yaml:"width,omitempty" json:"width,omitempty"`
	Height   int       `yaml:"height,omitempty" json:"height,omitempty"`
	Silent   bool      `yaml:"silent,omitempty" json:"silent,omitempty"` // video without an audio stream
}

// Transform holds clip geometry in virtual canvas space
type Transform struct {
	X        float64 `yaml:"x" json:"x"`
	Y        float64 `yaml:"y" json:"y"`
	Width    float64 `yaml:"width" json:"width"`
	Height   float64 `yaml:"height" json:"height"`
	Rotation float64 `yaml:"rotation" json:"rotation"` // degrees
	Scale    float64 `yaml:"scale" json:"scale"`
	Opacity  float64 `yaml:"opacity" json:"opacity"` // 0-100
}

// Crop is a rectangle in source-pixel space
type Crop struct {
	X      float64 `yaml:"x" json:"x"`
	Y      float64 `yaml:"y" json:"y"`
	Width  float64 `yaml:"width" json:"width"`
	Height float64 `yaml:"height" json:"height"`
}

// Shadow describes a drop shadow for media or text
type Shadow struct {
	Color string  `yaml:"color" json:"color"`
	X     float64 `yaml:"x" json:"x"`
	Y     float64 `yaml:"y" json:"y"`
	Blur  float64 `yaml:"blur" json:"blur"`
}

type TextAlign string

const (
	AlignLeft   TextAlign = "left"
	AlignCenter TextAlign = "center"
	AlignRight  TextAlign = "right"
)

type TextCase string

const (
	CaseNone       TextCase = ""
	CaseUpper      TextCase = "upper"
	CaseLower      TextCase = "lower"
	CaseCapitalize TextCase = "capitalize"
)

// TextStyle is the style record of a text clip
type TextStyle struct {
	FontFamily  string    `yaml:"font_family,omitempty" json:"fontFamily,omitempty"`
	FontSize    float64   `yaml:"font_size,omitempty" json:"fontSize,omitempty"`
	Color       string    `yaml:"color,omitempty" json:"color,omitempty"`
	Align       TextAlign `yaml:"align,omitempty" json:"align,omitempty"`
	Bold        bool      `yaml:"bold,omitempty" json:"bold,omitempty"`
	Italic      bool      `yaml:"italic,omitempty" json:"italic,omitempty"`
	Underline   bool      `yaml:"underline,omitempty" json:"underline,omitempty"`
	LineThrough bool      `yaml:"line_through,omitempty" json:"lineThrough,omitempty"`
	Overline    bool      `yaml:"overline,omitempty" json:"overline,omitempty"`
	Case        TextCase  `yaml:"case,omitempty" json:"case,omitempty"`
	StrokeColor string    `yaml:"stroke_color,omitempty" json:"strokeColor,omitempty"`
	StrokeWidth float64   `yaml:"stroke_width,omitempty" json:"strokeWidth,omitempty"`
	Shadow      *Shadow   `yaml:"shadow,omitempty" json:"shadow,omitempty"`
}

// Text is the payload of a text clip
type Text struct {
	Content string    `yaml:"content" json:"content"`
	Style   TextStyle `yaml:"style" json:"style"`
}

// MediaStyle is the style record of video/image clips
type MediaStyle struct {
	BorderRadius float64 `yaml:"border_radius,omitempty" json:"borderRadius,omitempty"`
	Blur         float64 `yaml:"blur,omitempty" json:"blur,omitempty"`
	Brightness   float64 `yaml:"brightness,omitempty" json:"brightness,omitempty"` // percent, 0 = unset (100)
	OutlineColor string  `yaml:"outline_color,omitempty" json:"outlineColor,omitempty"`
	OutlineWidth float64 `yaml:"outline_width,omitempty" json:"outlineWidth,omitempty"`
	Shadow       *Shadow `yaml:"shadow,omitempty" json:"shadow,omitempty"`
}

// Clip is a placement of one MediaAsset on the timeline.
// Interval [Start, End) is in timeline seconds, [TrimStart, TrimEnd) in source seconds.
type Clip struct {
	ID        string      `yaml:"id" json:"id"`
	AssetID   string      `yaml:"asset_id,omitempty" json:"assetId,omitempty"`
	Track     int         `yaml:"track" json:"track"`
	Start     float64     `yaml:"start" json:"start"`
	End       float64     `yaml:"end" json:"end"`
	TrimStart float64     `yaml:"trim_start,omitempty" json:"trimStart,omitempty"`
	TrimEnd   float64     `yaml:"trim_end,omitempty" json:"trimEnd,omitempty"`
	Transform Transform   `yaml:"transform" json:"transform"`
	Crop      *Crop       `yaml:"crop,omitempty" json:"crop,omitempty"`
	Text      *Text       `yaml:"text,omitempty" json:"text,omitempty"`
	Style     *MediaStyle `yaml:"style,omitempty" json:"style,omitempty"`
	Volume    float64     `yaml:"volume" json:"volume"` // 0-200
	Speed     float64     `yaml:"speed" json:"speed"`   // 0.25-4
}

// Scene is the full editable state. It is passed by value; mutations produce a new Scene.
type Scene struct {
	Assets   []MediaAsset `yaml:"assets" json:"assets"`
	Clips    []Clip       `yaml:"clips" json:"clips"`
	Aspect   AspectRatio  `yaml:"aspect" json:"aspect"`
	Playhead float64      `yaml:"playhead" json:"playhead"`
	Selected string       `yaml:"selected,omitempty" json:"selected,omitempty"`
}
