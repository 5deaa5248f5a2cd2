package services

import "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

// DescriptionForTest exposes the pdfcpu description rendered for one page.
func DescriptionForTest(spec WatermarkSpec, width, height float64) string {
	return spec.normalized().description(types.Dim{Width: width, Height: height})
}

// WatermarkDefaults returns the WatermarkSpec used for missing form fields.
func (p *Pipeline) WatermarkDefaults() WatermarkSpec { return p.defaults }
