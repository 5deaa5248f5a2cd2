package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/S1L3NTANG3L/Azure-PDF-Function/internal/config"
	"github.com/S1L3NTANG3L/Azure-PDF-Function/internal/converter"
	"github.com/S1L3NTANG3L/Azure-PDF-Function/internal/gcp"
	"github.com/S1L3NTANG3L/Azure-PDF-Function/internal/models"
	"github.com/S1L3NTANG3L/Azure-PDF-Function/internal/scratch"
)

// Messages returned to callers unchanged.
const (
	msgWrongContentType     = "Incorrect content type. Expected 'multipart/form-data'."
	msgNoFiles              = "No files were uploaded"
	msgMissingWatermarkText = "Missing watermark text."
	msgWrongFileType        = "Incorrect file type. Expected '.docx' or '.xlsx'."
)

// Operation names used in logs, job records and error sources.
const (
	OpMerge         = "merge"
	OpWatermark     = "watermark"
	OpConvert       = "convert"
	OpConvertRemote = "convertRemote"
)

const (
	pdfContentType    = "application/pdf"
	mergedFilename    = "merged.pdf"
	watermarkedPrefix = "watermarked_"
	fallbackFilename  = "document"
)

// UploadedFile is one file of a request. Content is read exactly once, when
// the file is staged.
type UploadedFile struct {
	Name    string
	Content io.Reader
	Size    int64
}

// Result is the PDF produced by one operation.
type Result struct {
	Body        []byte
	ContentType string
	Filename    string
	PageCount   int
}

// ObjectStager copies a remote object into a scratch space. gcp.ObjectSource
// implements it for Cloud Storage.
type ObjectStager interface {
	Stage(ctx context.Context, space *scratch.Space, uri string) (path, name string, err error)
}

// Options overrides the collaborators New builds from configuration.
type Options struct {
	Local    converter.Converter
	Remote   converter.Converter
	Objects  ObjectStager
	Recorder JobRecorder
	Logger   *slog.Logger
}

// Pipeline validates requests, stages their inputs, runs one backend and
// turns the outcome into a Result or a PipelineError. It holds no per-request
// state and is safe for concurrent use.
type Pipeline struct {
	cfg        *config.Config
	assembler  *Assembler
	watermarks *WatermarkEngine
	defaults   WatermarkSpec
	local      converter.Converter
	remote     converter.Converter
	objects    ObjectStager
	recorder   JobRecorder
	logger     *slog.Logger
}

type stagedFile struct {
	Name string
	Path string
}

// NewPipeline loads configuration and connects the optional Google Cloud
// clients. Job recording is enabled when a project is configured; gcsUri
// inputs are enabled when a storage client can be created.
func NewPipeline(ctx context.Context) (*Pipeline, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	opts := Options{Logger: slog.Default()}
	if cfg.Jobs.Enabled() {
		firestoreClient, err := gcp.NewFirestoreClient(ctx, cfg.Jobs.ProjectID, cfg.Jobs.DatabaseID)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		opts.Recorder = NewFirestoreRecorder(firestoreClient, cfg.Jobs.Collection)
	}
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		slog.Warn("Cloud Storage client unavailable, gcsUri inputs are disabled.", "error", err)
	} else {
		opts.Objects = gcp.NewObjectSource(storageClient)
	}

	p := New(cfg, opts)
	slog.Info("PDF pipeline initialized.",
		"scratchRoot", cfg.ScratchRoot,
		"libreOffice", cfg.Converter.Binary,
		"jobsCollection", cfg.Jobs.Collection,
		"jobsEnabled", cfg.Jobs.Enabled(),
		"gcsEnabled", opts.Objects != nil,
	)
	return p, nil
}

// New builds a Pipeline from cfg, using the collaborators in opts where set.
func New(cfg *config.Config, opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Local == nil {
		opts.Local = converter.NewLocalConverter(converter.LocalOptions{
			Binary:       cfg.Converter.Binary,
			PollInterval: cfg.Converter.PollInterval,
			PollAttempts: cfg.Converter.PollAttempts,
			Logger:       logger,
		})
	}
	if opts.Remote == nil {
		opts.Remote = converter.NewRemoteConverter(converter.RemoteOptions{
			AuthorityURL: cfg.Remote.AuthorityURL,
			GraphBaseURL: cfg.Remote.GraphBaseURL,
			Scope:        cfg.Remote.Scope,
			HTTPClient:   &http.Client{Timeout: cfg.Remote.Timeout},
			Logger:       logger,
		})
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	return &Pipeline{
		cfg:        cfg,
		assembler:  NewAssembler(logger),
		watermarks: NewWatermarkEngine(logger),
		defaults:   DefaultWatermarkSpec(),
		local:      opts.Local,
		remote:     opts.Remote,
		objects:    opts.Objects,
		recorder:   opts.Recorder,
		logger:     logger,
	}
}

// LogLevel is the configured minimum log level.
func (p *Pipeline) LogLevel() slog.Level { return p.cfg.LogLevel }

// Merge combines files, in order, followed by the Cloud Storage objects named
// by gcsURIs.
func (p *Pipeline) Merge(ctx context.Context, files []UploadedFile, gcsURIs []string) (*Result, error) {
	var result *Result
	err := p.withSpace(OpMerge, func(space *scratch.Space, logCtx *slog.Logger) error {
		staged, err := stageUploads(space, logCtx, files)
		if err != nil {
			return err
		}
		result, err = p.merge(ctx, space, staged, gcsURIs)
		return err
	})
	return result, err
}

// Watermark stamps spec over every page of file.
func (p *Pipeline) Watermark(ctx context.Context, file UploadedFile, spec WatermarkSpec) (*Result, error) {
	var result *Result
	err := p.withSpace(OpWatermark, func(space *scratch.Space, logCtx *slog.Logger) error {
		staged, err := stageUploads(space, logCtx, []UploadedFile{file})
		if err != nil {
			return err
		}
		result, err = p.watermark(ctx, logCtx, space, staged, spec)
		return err
	})
	return result, err
}

// ConvertLocal converts an office document with LibreOffice.
func (p *Pipeline) ConvertLocal(ctx context.Context, file UploadedFile) (*Result, error) {
	var result *Result
	err := p.withSpace(OpConvert, func(space *scratch.Space, logCtx *slog.Logger) error {
		staged, err := stageUploads(space, logCtx, []UploadedFile{file})
		if err != nil {
			return err
		}
		result, err = p.convertLocal(ctx, logCtx, space, staged)
		return err
	})
	return result, err
}

// ConvertRemote fetches the PDF rendition of a Microsoft Graph drive item.
func (p *Pipeline) ConvertRemote(ctx context.Context, req models.RemoteConversionRequest) (*Result, error) {
	var result *Result
	err := p.withSpace(OpConvertRemote, func(space *scratch.Space, _ *slog.Logger) error {
		var err error
		result, err = p.convertRemote(ctx, space, req)
		return err
	})
	return result, err
}

func (p *Pipeline) withSpace(operation string, fn func(space *scratch.Space, logCtx *slog.Logger) error) error {
	logCtx := p.logger.With("operation", operation)
	space, err := p.newSpace(logCtx)
	if err != nil {
		return err
	}
	defer space.Cleanup()
	return fn(space, logCtx.With("scratchId", space.ID()))
}

func (p *Pipeline) newSpace(logCtx *slog.Logger) (*scratch.Space, error) {
	space, err := scratch.New(p.cfg.ScratchRoot, logCtx)
	if err != nil {
		return nil, models.Wrap(models.KindInternal, "scratch.new", "failed to create scratch space", err)
	}
	return space, nil
}

func (p *Pipeline) merge(ctx context.Context, space *scratch.Space, files []stagedFile, gcsURIs []string) (*Result, error) {
	const op = "pipeline.merge"

	uris := nonBlank(gcsURIs)
	if len(files)+len(uris) == 0 {
		return nil, models.NewError(models.KindBadRequest, op, msgNoFiles)
	}
	if len(uris) > 0 && p.objects == nil {
		return nil, models.NewError(models.KindBadRequest, op, "gcsUri inputs are not enabled")
	}

	inputs := make([]string, 0, len(files)+len(uris))
	for _, f := range files {
		inputs = append(inputs, f.Path)
	}
	for _, uri := range uris {
		path, _, err := p.objects.Stage(ctx, space, uri)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, path)
	}

	out := space.Reserve(mergedFilename, scratch.KindOutput)
	pageCount, err := p.assembler.Merge(ctx, inputs, out)
	if err != nil {
		return nil, err
	}
	return readResult(op, out, mergedFilename, pageCount)
}

func (p *Pipeline) watermark(ctx context.Context, logCtx *slog.Logger, space *scratch.Space, files []stagedFile, spec WatermarkSpec) (*Result, error) {
	const op = "pipeline.watermark"

	if len(files) == 0 {
		return nil, models.NewError(models.KindBadRequest, op, msgNoFiles)
	}
	if isBlank(spec.Text) {
		return nil, models.NewError(models.KindBadRequest, op, msgMissingWatermarkText)
	}
	file := firstFile(logCtx, files)

	filename := watermarkedPrefix + displayName(file.Name)
	out := space.Reserve(filename, scratch.KindOutput)
	pageCount, err := p.watermarks.Apply(ctx, file.Path, out, spec)
	if err != nil {
		return nil, err
	}
	return readResult(op, out, filename, pageCount)
}

func (p *Pipeline) convertLocal(ctx context.Context, logCtx *slog.Logger, space *scratch.Space, files []stagedFile) (*Result, error) {
	const op = "pipeline.convert"

	if len(files) == 0 {
		return nil, models.NewError(models.KindBadRequest, op, msgNoFiles)
	}
	file := firstFile(logCtx, files)
	if !isOfficeDocument(file.Name) {
		return nil, models.NewError(models.KindBadRequest, op, msgWrongFileType)
	}

	out, err := p.local.Convert(ctx, space, converter.LocalRequest{Path: file.Path})
	if err != nil {
		return nil, err
	}
	name := displayName(file.Name)
	return readConvertedResult(op, out, strings.TrimSuffix(name, filepath.Ext(name))+".pdf")
}

func (p *Pipeline) convertRemote(ctx context.Context, space *scratch.Space, req models.RemoteConversionRequest) (*Result, error) {
	const op = "pipeline.convertRemote"

	if missing := req.MissingFields(); len(missing) > 0 {
		return nil, models.NewError(models.KindMissingParameter, op,
			"Missing required parameters: "+strings.Join(missing, ", "))
	}

	out, err := p.remote.Convert(ctx, space, converter.RemoteRequest{
		Credentials: converter.Credentials{
			ClientID:     req.ClientID,
			TenantID:     req.TenantID,
			ClientSecret: req.ClientSecret,
		},
		DriveID: req.DriveID,
		FileID:  req.FileID,
	})
	if err != nil {
		return nil, err
	}
	return readConvertedResult(op, out, converter.RemoteOutputName)
}

func stageUploads(space *scratch.Space, logCtx *slog.Logger, files []UploadedFile) ([]stagedFile, error) {
	staged := make([]stagedFile, 0, len(files))
	for _, f := range files {
		if f.Content == nil {
			continue
		}
		path, err := space.Stage(f.Name, f.Content)
		if err != nil {
			return nil, models.Wrap(models.KindInternal, "scratch.stage", fmt.Sprintf("failed to stage %q", f.Name), err)
		}
		logCtx.Info("Staged upload.", "name", f.Name, "size", f.Size)
		staged = append(staged, stagedFile{Name: f.Name, Path: path})
	}
	return staged, nil
}

func readResult(op, path, filename string, pageCount int) (*Result, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, models.Wrap(models.KindInternal, op, "failed to read output", err)
	}
	return &Result{Body: body, ContentType: pdfContentType, Filename: filename, PageCount: pageCount}, nil
}

// readConvertedResult is readResult for backend output, which is checked to
// be a readable PDF first.
func readConvertedResult(op, path, filename string) (*Result, error) {
	pageCount, err := api.PageCountFile(path)
	if err != nil {
		return nil, models.Wrap(models.KindConversionFailed, op, "conversion output is not a readable PDF", err)
	}
	return readResult(op, path, filename, pageCount)
}

func firstFile(logCtx *slog.Logger, files []stagedFile) stagedFile {
	if len(files) > 1 {
		logCtx.Warn("Only the first uploaded file is used.", "used", files[0].Name, "ignored", len(files)-1)
	}
	return files[0]
}

// isOfficeDocument accepts the Word and Excel extension families
// (.doc, .docx, .docm, .xls, .xlsx, ...).
func isOfficeDocument(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return strings.HasPrefix(ext, ".doc") || strings.HasPrefix(ext, ".xls")
}

func displayName(name string) string {
	base := filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	switch base {
	case "", ".", "..", "/":
		return fallbackFilename
	}
	return base
}

func nonBlank(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
