package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/S1L3NTANG3L/Azure-PDF-Function/internal/services"
)

var (
	pipeline *services.Pipeline
	once     sync.Once
	initErr  error
	logLevel = new(slog.LevelVar)
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	functions.HTTP("MergePDFDocuments", mergePDFDocuments)
}

// main is required by the Go Functions Framework.
func main() {}

// mergePDFDocuments merges every uploaded PDF, in upload order, into merged.pdf.
func mergePDFDocuments(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		pipeline, initErr = services.NewPipeline(context.Background())
		if initErr == nil {
			logLevel.Set(pipeline.LogLevel())
		}
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		http.Error(w, "function initialization failed", http.StatusInternalServerError)
		return
	}

	pipeline.HandleMerge(w, r)
}
