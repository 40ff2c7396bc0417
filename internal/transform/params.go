package transform

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

const (
	// MaxDimension bounds requested width/height.
	MaxDimension = 8192
	// MaxBlur bounds the blur radius accepted from clients.
	MaxBlur = 100
	// maxWatermarkLen bounds client-supplied watermark text.
	maxWatermarkLen = 100
)

// FitMode governs how the source aspect ratio is reconciled with the
// requested box.
type FitMode string

const (
	FitCover   FitMode = "cover"   // crop to exact box (default)
	FitContain FitMode = "contain" // preserve aspect, bound by box
	FitFill    FitMode = "fill"    // stretch to box
	FitInside  FitMode = "inside"  // like contain, but never enlarge
	FitOutside FitMode = "outside" // preserve aspect, bound lower edge
)

// OutputFormat is a supported encode target.
type OutputFormat string

const (
	FormatJPEG OutputFormat = "jpeg"
	FormatPNG  OutputFormat = "png"
	FormatWebP OutputFormat = "webp"
	FormatAVIF OutputFormat = "avif"
)

// WatermarkPosition names one of the nine overlay anchors.
type WatermarkPosition string

const (
	PosTopLeft      WatermarkPosition = "top-left"
	PosTopCenter    WatermarkPosition = "top-center"
	PosTopRight     WatermarkPosition = "top-right"
	PosCenterLeft   WatermarkPosition = "center-left"
	PosCenter       WatermarkPosition = "center"
	PosCenterRight  WatermarkPosition = "center-right"
	PosBottomLeft   WatermarkPosition = "bottom-left"
	PosBottomCenter WatermarkPosition = "bottom-center"
	PosBottomRight  WatermarkPosition = "bottom-right"
)

// ValidationError reports a client-supplied parameter that failed validation.
// It is rejected before any work begins and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Params is a canonical, hashable transform parameter set. Zero values mean
// "not requested".
type Params struct {
	Width     int          `json:"width,omitempty"`
	Height    int          `json:"height,omitempty"`
	Fit       FitMode      `json:"fit,omitempty"`
	Format    OutputFormat `json:"format,omitempty"`
	Quality   int          `json:"quality,omitempty"`
	Watermark string       `json:"watermark,omitempty"`
	Blur      float64      `json:"blur,omitempty"`
	Sharpen   bool         `json:"sharpen,omitempty"`
	Grayscale bool         `json:"grayscale,omitempty"`
}

// ParseQuery parses transform parameters from URL query values. Short and
// long aliases (w/width, h/height, f/format, q/quality, wm/watermark) fold to
// the same canonical field, jpg folds to jpeg, and unknown keys are ignored.
func ParseQuery(query url.Values) (Params, error) {
	var p Params

	w, err := intParam(query, "w", "width", 1, MaxDimension)
	if err != nil {
		return Params{}, err
	}
	p.Width = w

	h, err := intParam(query, "h", "height", 1, MaxDimension)
	if err != nil {
		return Params{}, err
	}
	p.Height = h

	if v := query.Get("fit"); v != "" {
		fit, err := ParseFit(v)
		if err != nil {
			return Params{}, err
		}
		p.Fit = fit
	}

	if v := firstOf(query, "f", "format"); v != "" {
		format, err := ParseFormat(v)
		if err != nil {
			return Params{}, err
		}
		p.Format = format
	}

	q, err := intParam(query, "q", "quality", 1, 100)
	if err != nil {
		return Params{}, err
	}
	p.Quality = q

	if v := firstOf(query, "wm", "watermark"); v != "" {
		if len(v) > maxWatermarkLen {
			return Params{}, &ValidationError{Field: "watermark", Reason: "too long"}
		}
		p.Watermark = v
	}

	if v := query.Get("blur"); v != "" {
		blur, err := strconv.ParseFloat(v, 64)
		if err != nil || blur < 0 || blur > MaxBlur {
			return Params{}, &ValidationError{Field: "blur", Reason: fmt.Sprintf("must be a number in [0, %d]", MaxBlur)}
		}
		p.Blur = blur
	}

	if v := query.Get("sharpen"); v != "" {
		p.Sharpen = parseBool(v)
	}
	if v := query.Get("grayscale"); v != "" {
		p.Grayscale = parseBool(v)
	}

	return p, nil
}

var pathExtRe = regexp.MustCompile(`\.[a-zA-Z]+$`)

// ParsePath parses the path-segment form of transform parameters, e.g.
// "w_300,h_200,f_webp.webp". A trailing extension is stripped before parsing.
func ParsePath(segment string) (Params, error) {
	segment = pathExtRe.ReplaceAllString(segment, "")

	query := make(url.Values)
	for _, part := range strings.Split(segment, ",") {
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "_")
		if !ok {
			return Params{}, &ValidationError{Field: part, Reason: "expected key_value"}
		}
		if key == "gray" {
			key = "grayscale"
		}
		query.Set(key, value)
	}

	return ParseQuery(query)
}

// ParseFit validates a fit mode string.
func ParseFit(s string) (FitMode, error) {
	switch FitMode(s) {
	case FitCover, FitContain, FitFill, FitInside, FitOutside:
		return FitMode(s), nil
	}

	return "", &ValidationError{Field: "fit", Reason: "must be one of cover, contain, fill, inside, outside"}
}

// ParseFormat validates an output format string, folding jpg to jpeg.
func ParseFormat(s string) (OutputFormat, error) {
	if s == "jpg" {
		s = "jpeg"
	}
	switch OutputFormat(s) {
	case FormatJPEG, FormatPNG, FormatWebP, FormatAVIF:
		return OutputFormat(s), nil
	}

	return "", &ValidationError{Field: "format", Reason: "must be one of jpeg, png, webp, avif"}
}

// ParsePosition validates a watermark anchor string.
func ParsePosition(s string) (WatermarkPosition, error) {
	switch WatermarkPosition(s) {
	case PosTopLeft, PosTopCenter, PosTopRight,
		PosCenterLeft, PosCenter, PosCenterRight,
		PosBottomLeft, PosBottomCenter, PosBottomRight:
		return WatermarkPosition(s), nil
	}

	return "", &ValidationError{Field: "position", Reason: "unknown watermark position"}
}

// Hash returns the 8-character digest of the canonical parameter set. The
// same semantic parameters always hash identically, regardless of the alias
// or ordering the client used: aliases fold during parsing and JSON object
// keys marshal in sorted order.
func (p Params) Hash() string {
	fields := make(map[string]interface{})
	if p.Width > 0 {
		fields["width"] = p.Width
	}
	if p.Height > 0 {
		fields["height"] = p.Height
	}
	if p.Fit != "" {
		fields["fit"] = string(p.Fit)
	}
	if p.Format != "" {
		fields["format"] = string(p.Format)
	}
	if p.Quality > 0 {
		fields["quality"] = p.Quality
	}
	if p.Watermark != "" {
		fields["watermark"] = p.Watermark
	}
	if p.Blur > 0 {
		fields["blur"] = p.Blur
	}
	if p.Sharpen {
		fields["sharpen"] = true
	}
	if p.Grayscale {
		fields["grayscale"] = true
	}

	canonical, _ := json.Marshal(fields)
	sum := md5.Sum(canonical)

	return hex.EncodeToString(sum[:])[:8]
}

// IsZero reports whether no transform was requested at all.
func (p Params) IsZero() bool {
	return p == Params{}
}

// BestFormat picks an output format from an Accept header: avif when the
// client advertises it, then webp. Empty means no preference.
func BestFormat(accept string) OutputFormat {
	if strings.Contains(accept, "image/avif") {
		return FormatAVIF
	}
	if strings.Contains(accept, "image/webp") {
		return FormatWebP
	}

	return ""
}

func firstOf(query url.Values, keys ...string) string {
	for _, k := range keys {
		if v := query.Get(k); v != "" {
			return v
		}
	}

	return ""
}

func intParam(query url.Values, short, long string, min, max int) (int, error) {
	v := firstOf(query, short, long)
	if v == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil || n < min || n > max {
		return 0, &ValidationError{Field: long, Reason: fmt.Sprintf("must be an integer in [%d, %d]", min, max)}
	}

	return n, nil
}

func parseBool(v string) bool {
	return v == "true" || v == "1"
}
