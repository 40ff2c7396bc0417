// Package transform is the stateless image computation core: parsing of
// client transform parameters, resizing and filtering, format re-encoding,
// watermarking, thumbnail generation and metadata extraction. It operates on
// in-memory byte buffers and depends on nothing else in the pipeline.
package transform

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/gen2brain/avif"
	"github.com/gen2brain/webp"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
)

// watermarkPadding is the fixed distance between an overlay and the image edge.
const watermarkPadding = 20

// watermarkScale is the fraction of the source width an image watermark is
// scaled to.
const watermarkScale = 0.2

// Engine performs image transformations. It is safe for concurrent use.
type Engine struct {
	defaultQuality int
	maxWidth       int
	maxHeight      int
	fontPath       string
}

// WatermarkConfig describes a text or image watermark overlay.
type WatermarkConfig struct {
	Position  WatermarkPosition
	Opacity   int // 0-100
	FontSize  float64
	FontColor string
}

// ThumbnailVariant describes one resize+encode derivative.
type ThumbnailVariant struct {
	Name    string       `json:"name"`
	Width   int          `json:"width"`
	Height  int          `json:"height"`
	Fit     FitMode      `json:"fit,omitempty"`
	Format  OutputFormat `json:"format,omitempty"`
	Quality int          `json:"quality,omitempty"`
}

// ThumbnailResult is the outcome of one variant. Err is set when that variant
// failed; other variants are unaffected.
type ThumbnailResult struct {
	Name   string
	Data   []byte
	Format OutputFormat
	Err    error
}

// NewEngine creates an Engine with the configured quality and dimension caps.
func NewEngine(defaultQuality, maxWidth, maxHeight int, fontPath string) *Engine {
	return &Engine{
		defaultQuality: defaultQuality,
		maxWidth:       maxWidth,
		maxHeight:      maxHeight,
		fontPath:       fontPath,
	}
}

// Process applies the transform pipeline to an encoded image: auto-orient,
// resize under the requested fit mode, grayscale/blur/sharpen in that fixed
// order, optional text watermark, then encode to the target format.
func (e *Engine) Process(input []byte, p Params) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(input), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	if p.Width > 0 || p.Height > 0 {
		img = e.resize(img, p)
	}

	if p.Grayscale {
		img = imaging.Grayscale(img)
	}
	if p.Blur > 0 {
		img = imaging.Blur(img, p.Blur)
	}
	if p.Sharpen {
		img = imaging.Sharpen(img, 1.0)
	}

	if p.Watermark != "" {
		img, err = e.drawTextWatermark(img, p.Watermark, WatermarkConfig{})
		if err != nil {
			return nil, err
		}
	}

	return e.encode(img, p.Format, p.Quality)
}

// resize applies the requested fit mode with both dimensions clamped to the
// configured maximum. A single given dimension always preserves aspect ratio.
func (e *Engine) resize(img image.Image, p Params) image.Image {
	width := p.Width
	if width > e.maxWidth {
		width = e.maxWidth
	}
	height := p.Height
	if height > e.maxHeight {
		height = e.maxHeight
	}

	if width == 0 || height == 0 {
		return imaging.Resize(img, width, height, imaging.Lanczos)
	}

	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()

	switch p.Fit {
	case FitContain:
		return imaging.Fit(img, width, height, imaging.Lanczos)
	case FitInside:
		if srcW <= width && srcH <= height {
			return img
		}
		return imaging.Fit(img, width, height, imaging.Lanczos)
	case FitFill:
		return imaging.Resize(img, width, height, imaging.Lanczos)
	case FitOutside:
		scale := math.Max(float64(width)/float64(srcW), float64(height)/float64(srcH))
		return imaging.Resize(img, int(math.Round(float64(srcW)*scale)), int(math.Round(float64(srcH)*scale)), imaging.Lanczos)
	default: // cover
		return imaging.Fill(img, width, height, imaging.Center, imaging.Lanczos)
	}
}

// encode writes img in the target format. jpeg and webp honor the quality
// knob, avif maps quality onto its own scale, png always uses maximum
// lossless compression.
func (e *Engine) encode(img image.Image, format OutputFormat, quality int) ([]byte, error) {
	if format == "" {
		format = FormatJPEG
	}
	if quality <= 0 || quality > 100 {
		quality = e.defaultQuality
	}

	var buf bytes.Buffer
	var err error

	switch format {
	case FormatPNG:
		err = imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
	case FormatWebP:
		err = webp.Encode(&buf, img, webp.Options{Quality: quality, Method: 4})
	case FormatAVIF:
		err = avif.Encode(&buf, img, avif.Options{Quality: quality, Speed: 8})
	default:
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", format, err)
	}

	return buf.Bytes(), nil
}

// ApplyTextWatermark composites text onto the image at one of the nine named
// anchors and re-encodes it in the given format.
func (e *Engine) ApplyTextWatermark(input []byte, text string, cfg WatermarkConfig, format OutputFormat, quality int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(input), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	out, err := e.drawTextWatermark(img, text, cfg)
	if err != nil {
		return nil, err
	}

	return e.encode(out, format, quality)
}

// ApplyImageWatermark scales the watermark image to 20% of the source width,
// applies the requested opacity, and composites it at the named anchor.
func (e *Engine) ApplyImageWatermark(input, watermark []byte, cfg WatermarkConfig, format OutputFormat, quality int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(input), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	wm, err := imaging.Decode(bytes.NewReader(watermark))
	if err != nil {
		return nil, fmt.Errorf("failed to decode watermark image: %w", err)
	}

	cfg = cfg.withDefaults()

	bounds := img.Bounds()
	wmBounds := wm.Bounds()

	scaledW := int(math.Round(float64(bounds.Dx()) * watermarkScale))
	scaledH := int(math.Round(float64(scaledW) / float64(wmBounds.Dx()) * float64(wmBounds.Dy())))
	scaled := imaging.Resize(wm, scaledW, scaledH, imaging.Lanczos)

	x, y := anchorPoint(bounds.Dx(), bounds.Dy(), scaledW, scaledH, cfg.Position)
	origin := image.Pt(int(math.Round(x)), int(math.Round(y))-scaledH)

	out := imaging.Overlay(img, scaled, origin, float64(cfg.Opacity)/100)

	return e.encode(out, format, quality)
}

func (e *Engine) drawTextWatermark(img image.Image, text string, cfg WatermarkConfig) (image.Image, error) {
	cfg = cfg.withDefaults()

	face, err := e.fontFace(cfg.FontSize)
	if err != nil {
		return nil, err
	}

	dc := gg.NewContextForImage(img)
	dc.SetFontFace(face)

	r, g, b := parseColor(cfg.FontColor)
	dc.SetRGBA(r, g, b, float64(cfg.Opacity)/100)

	tw, th := dc.MeasureString(text)
	x, y := anchorPoint(dc.Width(), dc.Height(), int(tw), int(th), cfg.Position)

	dc.DrawString(text, x, y)

	return dc.Image(), nil
}

// fontFace loads the configured font file, falling back to the bundled Go
// Regular face when no path is configured or the file is unreadable. Text
// watermarking therefore works out of the box.
func (e *Engine) fontFace(points float64) (font.Face, error) {
	if e.fontPath != "" {
		if face, err := gg.LoadFontFace(e.fontPath, points); err == nil {
			return face, nil
		}
	}

	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("failed to parse builtin font: %w", err)
	}

	return truetype.NewFace(f, &truetype.Options{Size: points}), nil
}

// anchorPoint returns the anchor for an overlay of size wmW x wmH inside an
// image of size imgW x imgH. The y value follows the text-baseline
// convention: it marks the overlay's bottom edge, so top rows sit at
// padding+wmH and the bottom row at imgH-padding.
func anchorPoint(imgW, imgH, wmW, wmH int, pos WatermarkPosition) (float64, float64) {
	w, h := float64(imgW), float64(imgH)
	ww, wh := float64(wmW), float64(wmH)

	var x float64
	switch pos {
	case PosTopLeft, PosCenterLeft, PosBottomLeft:
		x = watermarkPadding
	case PosTopCenter, PosCenter, PosBottomCenter:
		x = (w - ww) / 2
	default: // *-right
		x = w - ww - watermarkPadding
	}

	var y float64
	switch pos {
	case PosTopLeft, PosTopCenter, PosTopRight:
		y = watermarkPadding + wh
	case PosCenterLeft, PosCenter, PosCenterRight:
		y = (h + wh) / 2
	default: // bottom-*
		y = h - watermarkPadding
	}

	return x, y
}

func (c WatermarkConfig) withDefaults() WatermarkConfig {
	if c.Position == "" {
		c.Position = PosBottomRight
	}
	if c.Opacity <= 0 || c.Opacity > 100 {
		c.Opacity = 80
	}
	if c.FontSize <= 0 {
		c.FontSize = 24
	}
	if c.FontColor == "" {
		c.FontColor = "white"
	}

	return c
}

// GenerateThumbnails runs every variant independently and in parallel. One
// variant failing does not abort the others; its result carries the error.
func (e *Engine) GenerateThumbnails(input []byte, variants []ThumbnailVariant) []ThumbnailResult {
	results := make([]ThumbnailResult, len(variants))

	var wg sync.WaitGroup
	for i, v := range variants {
		wg.Add(1)
		go func(i int, v ThumbnailVariant) {
			defer wg.Done()

			fit := v.Fit
			if fit == "" {
				fit = FitCover
			}
			format := v.Format
			if format == "" {
				format = FormatJPEG
			}

			data, err := e.Process(input, Params{
				Width:   v.Width,
				Height:  v.Height,
				Fit:     fit,
				Format:  format,
				Quality: v.Quality,
			})

			results[i] = ThumbnailResult{Name: v.Name, Data: data, Format: format, Err: err}
		}(i, v)
	}
	wg.Wait()

	return results
}

// Optimize re-encodes for web delivery: webp unless a target format is given
// (webp also keeps alpha), with quality stepped down as pixel count grows.
func (e *Engine) Optimize(input []byte, target OutputFormat) ([]byte, error) {
	meta, err := e.ExtractMetadata(input)
	if err != nil {
		return nil, err
	}

	format := target
	if format == "" {
		format = FormatWebP
	}

	quality := e.defaultQuality
	pixels := meta.Width * meta.Height
	switch {
	case pixels > 4_000_000:
		quality = maxInt(60, quality-15)
	case pixels > 2_000_000:
		quality = maxInt(70, quality-10)
	}

	return e.Process(input, Params{Format: format, Quality: quality})
}

func parseColor(s string) (r, g, b float64) {
	switch s {
	case "black":
		return 0, 0, 0
	case "gray", "grey":
		return 0.5, 0.5, 0.5
	case "red":
		return 1, 0, 0
	}

	if len(s) == 7 && s[0] == '#' {
		var ri, gi, bi int
		if _, err := fmt.Sscanf(s, "#%02x%02x%02x", &ri, &gi, &bi); err == nil {
			return float64(ri) / 255, float64(gi) / 255, float64(bi) / 255
		}
	}

	return 1, 1, 1 // white
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}

	return b
}
