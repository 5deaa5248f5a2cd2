package services

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"golang.org/x/text/encoding/charmap"

	"github.com/S1L3NTANG3L/Azure-PDF-Function/internal/models"
)

// Form fields read by ParseWatermarkSpec.
const (
	FieldWatermarkText      = "watermarkText"
	FieldWatermarkColor     = "watermarkColor"
	FieldWatermarkOpacity   = "watermarkOpacity"
	FieldWatermarkFont      = "watermarkFont"
	FieldWatermarkFontSize  = "watermarkFontSize"
	FieldWatermarkRotation  = "watermarkRotation"
	FieldWatermarkPositionX = "watermarkPositionX"
	FieldWatermarkPositionY = "watermarkPositionY"
)

// RGB is an 8-bit per channel color.
type RGB struct {
	R, G, B uint8
}

// Hex renders c as #RRGGBB.
func (c RGB) Hex() string {
	return fmt.Sprintf("#%02X%02X%02X", c.R, c.G, c.B)
}

var namedColors = map[string]RGB{
	"black":     {0, 0, 0},
	"white":     {255, 255, 255},
	"red":       {255, 0, 0},
	"green":     {0, 128, 0},
	"blue":      {0, 0, 255},
	"yellow":    {255, 255, 0},
	"cyan":      {0, 255, 255},
	"magenta":   {255, 0, 255},
	"gray":      {128, 128, 128},
	"grey":      {128, 128, 128},
	"lightgray": {211, 211, 211},
	"darkgray":  {169, 169, 169},
	"orange":    {255, 165, 0},
	"pink":      {255, 192, 203},
}

// Core-14 font names keyed by the lower-case names callers may send.
var fontNames = map[string]string{
	"helvetica":             "Helvetica",
	"helvetica-bold":        "Helvetica-Bold",
	"helvetica-oblique":     "Helvetica-Oblique",
	"helvetica-boldoblique": "Helvetica-BoldOblique",
	"arial":                 "Helvetica",
	"sans-serif":            "Helvetica",
	"times":                 "Times-Roman",
	"times-roman":           "Times-Roman",
	"times-bold":            "Times-Bold",
	"times-italic":          "Times-Italic",
	"times-bolditalic":      "Times-BoldItalic",
	"serif":                 "Times-Roman",
	"courier":               "Courier",
	"courier-bold":          "Courier-Bold",
	"courier-oblique":       "Courier-Oblique",
	"courier-boldoblique":   "Courier-BoldOblique",
	"monospace":             "Courier",
}

// WatermarkSpec describes the text stamped on every page. X and Y are page
// fractions locating the center of the text, Y measured from the bottom edge.
type WatermarkSpec struct {
	Text     string
	Color    RGB
	Opacity  float64
	Font     string
	FontSize float64
	X, Y     float64
	Rotation float64
}

// DefaultWatermarkSpec returns the fallbacks used for every missing or
// unrecognised field.
func DefaultWatermarkSpec() WatermarkSpec {
	return WatermarkSpec{
		Color:    namedColors["blue"],
		Opacity:  1.0,
		Font:     "Helvetica",
		FontSize: 50,
		X:        0.5,
		Y:        0.6,
		Rotation: 45,
	}
}

// FormValues is satisfied by url.Values.
type FormValues interface {
	Get(key string) string
}

// ParseWatermarkSpec reads the watermark fields of a form. Cosmetic fields
// never fail: unparseable values fall back to defaults with a warning, and
// opacity and position are clamped into [0,1].
func ParseWatermarkSpec(form FormValues, defaults WatermarkSpec, logger *slog.Logger) WatermarkSpec {
	if logger == nil {
		logger = slog.Default()
	}
	spec := defaults
	spec.Text = form.Get(FieldWatermarkText)

	if v := strings.TrimSpace(form.Get(FieldWatermarkColor)); v != "" {
		if c, ok := parseColor(v); ok {
			spec.Color = c
		} else {
			logger.Warn("Unrecognised watermark color, using default.", "value", v, "default", defaults.Color.Hex())
		}
	}
	if v := strings.TrimSpace(form.Get(FieldWatermarkFont)); v != "" {
		if f, ok := fontNames[strings.ToLower(v)]; ok {
			spec.Font = f
		} else {
			logger.Warn("Unrecognised watermark font, using default.", "value", v, "default", defaults.Font)
		}
	}
	spec.Opacity = parseFloatField(form, FieldWatermarkOpacity, defaults.Opacity, logger)
	spec.X = parseFloatField(form, FieldWatermarkPositionX, defaults.X, logger)
	spec.Y = parseFloatField(form, FieldWatermarkPositionY, defaults.Y, logger)
	spec.Rotation = parseFloatField(form, FieldWatermarkRotation, defaults.Rotation, logger)

	spec.FontSize = parseFloatField(form, FieldWatermarkFontSize, defaults.FontSize, logger)
	if spec.FontSize < 1 {
		logger.Warn("Watermark font size must be positive, using default.", "value", spec.FontSize, "default", defaults.FontSize)
		spec.FontSize = defaults.FontSize
	}

	return spec.normalized()
}

// normalized clamps opacity and position into [0,1] and brings rotation into
// [-180,180].
func (s WatermarkSpec) normalized() WatermarkSpec {
	s.Opacity = clamp01(s.Opacity)
	s.X = clamp01(s.X)
	s.Y = clamp01(s.Y)
	s.Rotation = math.Remainder(s.Rotation, 360)
	if s.Font == "" {
		s.Font = "Helvetica"
	}
	return s
}

// description renders the pdfcpu watermark description for a page of the
// given size. pdfcpu centers the text on the page and shifts it by offset.
func (s WatermarkSpec) description(page types.Dim) string {
	dx := roundPoints((s.X - 0.5) * page.Width)
	dy := roundPoints((s.Y - 0.5) * page.Height)
	points := max(int(math.Round(s.FontSize)), 1)
	return fmt.Sprintf("fontname:%s, points:%d, fillcolor:%s, opacity:%s, rotation:%s, scalefactor:1 abs, position:c, offset:%s %s",
		s.Font, points, s.Color.Hex(),
		formatFloat(s.Opacity), formatFloat(s.Rotation), formatFloat(dx), formatFloat(dy))
}

// WatermarkEngine stamps a WatermarkSpec onto every page of a PDF.
type WatermarkEngine struct {
	logger *slog.Logger
}

func NewWatermarkEngine(logger *slog.Logger) *WatermarkEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &WatermarkEngine{logger: logger}
}

// Apply writes inPath with spec stamped over each page to outPath and returns
// the page count, which always equals the input's.
func (e *WatermarkEngine) Apply(ctx context.Context, inPath, outPath string, spec WatermarkSpec) (int, error) {
	const op = "watermark.apply"

	if isBlank(spec.Text) {
		return 0, models.NewError(models.KindMissingParameter, op, msgMissingWatermarkText)
	}
	spec = spec.normalized()
	if r, ok := unrenderableRune(spec.Text); ok {
		e.logger.Warn("Watermark text has characters the font cannot render.",
			"font", spec.Font, "rune", string(r))
	}

	pdfCtx, err := api.ReadContextFile(inPath)
	if err != nil {
		return 0, models.Wrap(models.KindInvalidInputFormat, op, "input is not a valid PDF", err)
	}
	dims, err := pdfCtx.PageDims()
	if err != nil {
		return 0, models.Wrap(models.KindInvalidInputFormat, op, "failed to read page dimensions", err)
	}
	if len(dims) == 0 {
		return 0, models.NewError(models.KindInvalidInputFormat, op, "input has no pages")
	}

	stamps := make(map[int]*model.Watermark, len(dims))
	for i, dim := range dims {
		wm, err := api.TextWatermark(spec.Text, spec.description(dim), true, false, types.POINTS)
		if err != nil {
			return 0, models.Wrap(models.KindInternal, op, fmt.Sprintf("failed to build watermark for page %d", i+1), err)
		}
		stamps[i+1] = wm
	}

	if err := ctx.Err(); err != nil {
		return 0, models.Wrap(models.KindInternal, op, "watermark cancelled", err)
	}
	if err := api.AddWatermarksMapFile(inPath, outPath, stamps, pdfConfiguration()); err != nil {
		return 0, models.Wrap(models.KindInvalidInputFormat, op, "failed to stamp watermark", err)
	}

	pageCount, err := api.PageCountFile(outPath)
	if err != nil {
		return 0, models.Wrap(models.KindInternal, op, "failed to get page count", err)
	}
	if pageCount != len(dims) {
		return 0, models.NewError(models.KindInternal, op,
			fmt.Sprintf("watermarked document has %d pages, expected %d", pageCount, len(dims)))
	}
	e.logger.Info("Watermark applied.", "pageCount", pageCount, "font", spec.Font, "color", spec.Color.Hex())
	return pageCount, nil
}

func parseColor(v string) (RGB, bool) {
	if c, ok := namedColors[strings.ToLower(v)]; ok {
		return c, true
	}
	hex := strings.TrimPrefix(v, "#")
	if len(hex) != 6 {
		return RGB{}, false
	}
	n, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return RGB{}, false
	}
	return RGB{R: uint8(n >> 16), G: uint8(n >> 8), B: uint8(n)}, true
}

func parseFloatField(form FormValues, field string, fallback float64, logger *slog.Logger) float64 {
	v := strings.TrimSpace(form.Get(field))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		logger.Warn("Unparseable watermark field, using default.", "field", field, "value", v, "default", fallback)
		return fallback
	}
	return f
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

// roundPoints rounds to a hundredth of a point.
func roundPoints(v float64) float64 {
	return math.Round(v*100) / 100
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func isBlank(s string) bool { return strings.TrimSpace(s) == "" }

// unrenderableRune returns the first rune of text outside WinAnsi, the only
// encoding the core-14 fonts cover.
func unrenderableRune(text string) (rune, bool) {
	for _, r := range text {
		if r == '\n' || r == '\r' || r == '\t' {
			continue
		}
		if _, ok := charmap.Windows1252.EncodeRune(r); !ok {
			return r, true
		}
	}
	return 0, false
}
