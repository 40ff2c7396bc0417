package transform

import (
	"bytes"
	"fmt"
	"image"
	"time"

	"github.com/rwcarlsen/goexif/exif"
)

// Metadata describes a decoded image. EXIF is best-effort: when the embedded
// block is missing or malformed the field is simply omitted.
type Metadata struct {
	Width    int       `json:"width"`
	Height   int       `json:"height"`
	Format   string    `json:"format"`
	Size     int       `json:"size"`
	HasAlpha bool      `json:"has_alpha"`
	EXIF     *EXIFData `json:"exif,omitempty"`
}

// EXIFData is the subset of EXIF tags the pipeline surfaces.
type EXIFData struct {
	Make         string   `json:"make,omitempty"`
	Model        string   `json:"model,omitempty"`
	DateTaken    string   `json:"date_taken,omitempty"`
	ExposureTime float64  `json:"exposure_time,omitempty"`
	FNumber      float64  `json:"f_number,omitempty"`
	ISO          int      `json:"iso,omitempty"`
	FocalLength  float64  `json:"focal_length,omitempty"`
	Orientation  int      `json:"orientation,omitempty"`
	GPS          *GPSData `json:"gps,omitempty"`
}

// GPSData is present only when both latitude and longitude were readable.
type GPSData struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Altitude  *float64 `json:"altitude,omitempty"`
}

// ExtractMetadata decodes the image header and returns dimensions, format,
// alpha presence and best-effort EXIF. An unreadable EXIF block never fails
// the extraction.
func (e *Engine) ExtractMetadata(input []byte) (Metadata, error) {
	img, format, err := image.Decode(bytes.NewReader(input))
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	meta := Metadata{
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
		Format:   format,
		Size:     len(input),
		HasAlpha: hasAlpha(img),
		EXIF:     parseEXIF(input),
	}

	return meta, nil
}

func hasAlpha(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}

	return false
}

// parseEXIF returns nil on any decode failure.
func parseEXIF(input []byte) *EXIFData {
	x, err := exif.Decode(bytes.NewReader(input))
	if err != nil {
		return nil
	}

	data := &EXIFData{
		Make:  stringTag(x, exif.Make),
		Model: stringTag(x, exif.Model),
	}

	if t, err := x.DateTime(); err == nil {
		data.DateTaken = t.Format(time.RFC3339)
	}

	data.ExposureTime = ratTag(x, exif.ExposureTime)
	data.FNumber = ratTag(x, exif.FNumber)
	data.FocalLength = ratTag(x, exif.FocalLength)
	data.ISO = intTag(x, exif.ISOSpeedRatings)
	data.Orientation = intTag(x, exif.Orientation)

	// GPS only when both coordinates are present.
	if lat, long, err := x.LatLong(); err == nil {
		gps := &GPSData{Latitude: lat, Longitude: long}
		if alt := ratTag(x, exif.GPSAltitude); alt != 0 {
			gps.Altitude = &alt
		}
		data.GPS = gps
	}

	return data
}

func stringTag(x *exif.Exif, name exif.FieldName) string {
	tag, err := x.Get(name)
	if err != nil {
		return ""
	}

	s, err := tag.StringVal()
	if err != nil {
		return ""
	}

	return s
}

func ratTag(x *exif.Exif, name exif.FieldName) float64 {
	tag, err := x.Get(name)
	if err != nil {
		return 0
	}

	num, den, err := tag.Rat2(0)
	if err != nil || den == 0 {
		return 0
	}

	return float64(num) / float64(den)
}

func intTag(x *exif.Exif, name exif.FieldName) int {
	tag, err := x.Get(name)
	if err != nil {
		return 0
	}

	n, err := tag.Int(0)
	if err != nil {
		return 0
	}

	return n
}
