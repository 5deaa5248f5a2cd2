// Command pdf-functions serves every PDF function from one process for local
// development. Each function is mounted at /<FunctionName>.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/GoogleCloudPlatform/functions-framework-go/funcframework"
	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	flag "github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/S1L3NTANG3L/Azure-PDF-Function/internal/gcp"
	"github.com/S1L3NTANG3L/Azure-PDF-Function/internal/services"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("pdf-functions stopped", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := flag.NewFlagSet(args[0], flag.ContinueOnError)
	port := flags.StringP("port", "p", gcp.GetEnv("PORT", "8080"), "port to listen on")
	verbose := flags.BoolP("verbose", "v", false, "log GOMAXPROCS adjustments")
	if err := flags.Parse(args[1:]); err != nil {
		return err
	}

	levelVar := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: levelVar})))

	// maxprocs.Set only fails on an invalid GOMAXPROCS, in which case the
	// runtime default stays in effect.
	if *verbose {
		_, _ = maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
			slog.Info(fmt.Sprintf(format, a...))
		}))
	} else {
		_, _ = maxprocs.Set(maxprocs.Logger(func(string, ...interface{}) {}))
	}

	pipeline, err := services.NewPipeline(context.Background())
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}
	levelVar.Set(pipeline.LogLevel())

	functions.HTTP("MergePDFDocuments", pipeline.HandleMerge)
	functions.HTTP("AddWatermarkToPdf", pipeline.HandleWatermark)
	functions.HTTP("ConvertDocumentToPdf", pipeline.HandleConvert)
	functions.HTTP("ConvertRemoteDocumentToPdf", pipeline.HandleConvertRemote)

	slog.Info("Serving PDF functions.", "port", *port)
	if err := funcframework.Start(*port); err != nil {
		return fmt.Errorf("funcframework.Start: %w", err)
	}
	return nil
}
