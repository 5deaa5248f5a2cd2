package services

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/S1L3NTANG3L/Azure-PDF-Function/internal/models"
)

// pdfcpu must not try to create a config dir under $HOME, which is read-only
// in Cloud Functions.
func init() {
	api.DisableConfigDir()
}

// pdfConfiguration returns a fresh pdfcpu configuration. pdfcpu mutates the
// configuration it is given, so every call gets its own.
func pdfConfiguration() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// Assembler merges PDFs page by page into a single document.
type Assembler struct {
	logger *slog.Logger
}

func NewAssembler(logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{logger: logger}
}

// Merge validates every input, in order, and appends all of their pages to a
// new document at outPath. It returns the page count of the result.
func (a *Assembler) Merge(ctx context.Context, inputs []string, outPath string) (int, error) {
	const op = "assembler.merge"

	if len(inputs) == 0 {
		return 0, models.NewError(models.KindBadRequest, op, msgNoFiles)
	}

	for i, in := range inputs {
		if err := ctx.Err(); err != nil {
			return 0, models.Wrap(models.KindInternal, op, "merge cancelled", err)
		}
		if err := api.ValidateFile(in, pdfConfiguration()); err != nil {
			return 0, models.Wrap(models.KindInvalidInputFormat, op,
				fmt.Sprintf("input %d (%s) is not a valid PDF", i+1, filepath.Base(in)), err)
		}
	}

	if err := api.MergeCreateFile(inputs, outPath, false, pdfConfiguration()); err != nil {
		return 0, models.Wrap(models.KindInternal, op, "failed to merge documents", err)
	}

	pageCount, err := api.PageCountFile(outPath)
	if err != nil {
		return 0, models.Wrap(models.KindInternal, op, "failed to get page count", err)
	}
	a.logger.Info("Merge complete.", "inputs", len(inputs), "pageCount", pageCount)
	return pageCount, nil
}
