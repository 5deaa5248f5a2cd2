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

	functions.HTTP("AddWatermarkToPdf", addWatermarkToPdf)
}

// main is required by the Go Functions Framework.
func main() {}

// addWatermarkToPdf stamps watermarkText over every page of the uploaded PDF.
func addWatermarkToPdf(w http.ResponseWriter, r *http.Request) {
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

	pipeline.HandleWatermark(w, r)
}
