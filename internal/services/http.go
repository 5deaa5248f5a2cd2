package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/S1L3NTANG3L/Azure-PDF-Function/internal/models"
	"github.com/S1L3NTANG3L/Azure-PDF-Function/internal/scratch"
)

// Request fields and response headers of the HTTP functions.
const (
	FieldGCSURI     = "gcsUri"
	ErrorKindHeader = "X-Pipeline-Error"
)

// invocation is the per-request state shared by serve and an operation.
type invocation struct {
	operation string
	start     time.Time
	space     *scratch.Space
	logCtx    *slog.Logger
	inputs    []string
}

type multipartForm struct {
	files  []stagedFile
	values url.Values
}

func (f *multipartForm) names() []string {
	names := make([]string, 0, len(f.files))
	for _, file := range f.files {
		names = append(names, file.Name)
	}
	return names
}

// HandleMerge is the MergePDFDocuments function.
func (p *Pipeline) HandleMerge(w http.ResponseWriter, r *http.Request) {
	p.serve(w, r, OpMerge, func(ctx context.Context, inv *invocation) (*Result, error) {
		form, err := p.readMultipart(w, r, inv)
		if err != nil {
			return nil, err
		}
		inv.inputs = append(form.names(), nonBlank(form.values[FieldGCSURI])...)
		return p.merge(ctx, inv.space, form.files, form.values[FieldGCSURI])
	})
}

// HandleWatermark is the AddWatermarkToPdf function.
func (p *Pipeline) HandleWatermark(w http.ResponseWriter, r *http.Request) {
	p.serve(w, r, OpWatermark, func(ctx context.Context, inv *invocation) (*Result, error) {
		form, err := p.readMultipart(w, r, inv)
		if err != nil {
			return nil, err
		}
		inv.inputs = form.names()
		spec := ParseWatermarkSpec(form.values, p.defaults, inv.logCtx)
		return p.watermark(ctx, inv.logCtx, inv.space, form.files, spec)
	})
}

// HandleConvert is the ConvertDocumentToPdf function.
func (p *Pipeline) HandleConvert(w http.ResponseWriter, r *http.Request) {
	p.serve(w, r, OpConvert, func(ctx context.Context, inv *invocation) (*Result, error) {
		form, err := p.readMultipart(w, r, inv)
		if err != nil {
			return nil, err
		}
		inv.inputs = form.names()
		return p.convertLocal(ctx, inv.logCtx, inv.space, form.files)
	})
}

// HandleConvertRemote is the ConvertRemoteDocumentToPdf function.
func (p *Pipeline) HandleConvertRemote(w http.ResponseWriter, r *http.Request) {
	p.serve(w, r, OpConvertRemote, func(ctx context.Context, inv *invocation) (*Result, error) {
		const op = "pipeline.read"

		var req models.RemoteConversionRequest
		body := http.MaxBytesReader(w, r.Body, p.cfg.MaxUploadBytes)
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				return nil, tooLarge(op, maxErr)
			}
			return nil, models.Wrap(models.KindBadRequest, op, "Invalid request body. Expected a JSON object.", err)
		}
		inv.inputs = []string{req.DriveID + "/" + req.FileID}
		inv.logCtx = inv.logCtx.With("driveId", req.DriveID, "fileId", req.FileID)
		return p.convertRemote(ctx, inv.space, req)
	})
}

// serve owns everything around an operation: the scratch space and its
// cleanup, panic recovery, the response and the job record.
func (p *Pipeline) serve(w http.ResponseWriter, r *http.Request, operation string, run func(ctx context.Context, inv *invocation) (*Result, error)) {
	inv := &invocation{
		operation: operation,
		start:     time.Now(),
		logCtx:    p.logger.With("operation", operation),
	}
	ctx := r.Context()

	defer func() {
		if rec := recover(); rec != nil {
			pe := models.NewError(models.KindInternal, "pipeline."+operation, fmt.Sprintf("recovered from panic: %v", rec))
			pe.Stack = string(debug.Stack())
			p.handleError(ctx, w, inv, pe)
		}
	}()

	space, err := p.newSpace(inv.logCtx)
	if err != nil {
		p.handleError(ctx, w, inv, err)
		return
	}
	defer space.Cleanup()
	inv.space = space
	inv.logCtx = inv.logCtx.With("scratchId", space.ID())
	inv.logCtx.Info("Processing request.", "contentLength", r.ContentLength)

	result, err := run(ctx, inv)
	if err != nil {
		p.handleError(ctx, w, inv, err)
		return
	}

	p.writeResult(w, inv, result)
	p.record(ctx, inv, result, nil)
}

// readMultipart streams the parts of a multipart body in order. File parts
// are staged into the invocation's scratch space as they arrive, other parts
// are collected as form values.
func (p *Pipeline) readMultipart(w http.ResponseWriter, r *http.Request, inv *invocation) (*multipartForm, error) {
	const op = "pipeline.read"

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		return nil, models.NewError(models.KindBadRequest, op, msgWrongContentType)
	}

	r.Body = http.MaxBytesReader(w, r.Body, p.cfg.MaxUploadBytes)
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, models.Wrap(models.KindBadRequest, op, "malformed multipart body", err)
	}

	form := &multipartForm{values: url.Values{}}
	var valueBytes int64
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, bodyError(op, err)
		}

		if part.FileName() == "" {
			data, err := io.ReadAll(io.LimitReader(part, p.cfg.MultipartMemory-valueBytes+1))
			part.Close()
			if err != nil {
				return nil, bodyError(op, err)
			}
			valueBytes += int64(len(data))
			if valueBytes > p.cfg.MultipartMemory {
				return nil, models.NewError(models.KindBadRequest, op,
					fmt.Sprintf("form values exceed %d bytes", p.cfg.MultipartMemory))
			}
			form.values.Add(part.FormName(), string(data))
			continue
		}

		name := part.FileName()
		path, err := inv.space.Stage(name, part)
		part.Close()
		if err != nil {
			return nil, stageError(op, name, err)
		}
		inv.logCtx.Info("Staged upload.", "name", name, "field", part.FormName())
		form.files = append(form.files, stagedFile{Name: name, Path: path})
	}
	return form, nil
}

func (p *Pipeline) writeResult(w http.ResponseWriter, inv *invocation, result *Result) {
	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": result.Filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Body)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(result.Body); err != nil {
		inv.logCtx.Warn("Failed to write response body.", "error", err)
		return
	}
	inv.logCtx.Info("Request completed.",
		"filename", result.Filename,
		"pageCount", result.PageCount,
		"bytes", len(result.Body),
		"duration", time.Since(inv.start).String(),
	)
}

// handleError logs err, records the failure and answers 400. Every failure,
// whatever its kind, uses the same status.
func (p *Pipeline) handleError(ctx context.Context, w http.ResponseWriter, inv *invocation, err error) {
	pe := models.AsPipelineError(err, "pipeline."+inv.operation)
	inv.logCtx.Error("Pipeline operation failed.", "kind", string(pe.Kind), "source", pe.Op, "error", pe)
	p.record(ctx, inv, nil, pe)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set(ErrorKindHeader, string(pe.Kind))
	w.WriteHeader(http.StatusBadRequest)
	_, _ = io.WriteString(w, errorBody(pe))
}

// errorBody is the remote service's own body when there is one, the bare
// message for caller mistakes, and a full diagnostic otherwise.
func errorBody(pe *models.PipelineError) string {
	if pe.Body != "" {
		return pe.Body
	}
	switch pe.Kind {
	case models.KindBadRequest, models.KindMissingParameter:
		return pe.Message
	default:
		return pe.Diagnostic()
	}
}

// record writes the job record. Recording failures never affect the response.
func (p *Pipeline) record(ctx context.Context, inv *invocation, result *Result, pe *models.PipelineError) {
	rec := models.JobRecord{
		Operation:      inv.operation,
		InputFilenames: inv.inputs,
		Status:         models.JobStatusSucceeded,
		DurationMillis: time.Since(inv.start).Milliseconds(),
		CreatedAt:      time.Now().UTC(),
	}
	if inv.space != nil {
		rec.ScratchID = inv.space.ID()
	}
	if result != nil {
		sum := sha256.Sum256(result.Body)
		rec.OutputFilename = result.Filename
		rec.PageCount = result.PageCount
		rec.OutputBytes = len(result.Body)
		rec.OutputSHA256 = hex.EncodeToString(sum[:])
	}
	if pe != nil {
		rec.Status = models.JobStatusFailed
		rec.ErrorKind = string(pe.Kind)
		rec.ErrorDetails = pe.Error()
	}

	if err := p.recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
		inv.logCtx.Warn("Failed to record job.", "status", rec.Status, "error", err)
	}
}

func bodyError(op string, err error) *models.PipelineError {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return tooLarge(op, maxErr)
	}
	return models.Wrap(models.KindBadRequest, op, "malformed multipart body", err)
}

// stageError separates scratch disk failures, which are ours, from a broken
// upload stream.
func stageError(op, name string, err error) *models.PipelineError {
	var pathErr *fs.PathError
	var linkErr *os.LinkError
	if errors.As(err, &pathErr) || errors.As(err, &linkErr) {
		return models.Wrap(models.KindInternal, op, fmt.Sprintf("failed to stage %q", name), err)
	}
	return bodyError(op, err)
}

func tooLarge(op string, err *http.MaxBytesError) *models.PipelineError {
	return models.Wrap(models.KindBadRequest, op, fmt.Sprintf("request body exceeds %d bytes", err.Limit), err)
}
