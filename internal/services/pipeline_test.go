package services_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/S1L3NTANG3L/Azure-PDF-Function/internal/config"
	"github.com/S1L3NTANG3L/Azure-PDF-Function/internal/converter"
	"github.com/S1L3NTANG3L/Azure-PDF-Function/internal/models"
	"github.com/S1L3NTANG3L/Azure-PDF-Function/internal/scratch"
	"github.com/S1L3NTANG3L/Azure-PDF-Function/internal/services"
)

// fakeConverter writes a PDF with the configured page widths into the
// scratch space, or fails with err.
type fakeConverter struct {
	mu       sync.Mutex
	widths   []float64
	err      error
	panics   bool
	requests []converter.Request
}

func (f *fakeConverter) Convert(_ context.Context, space *scratch.Space, req converter.Request) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.panics {
		panic("converter exploded")
	}
	if f.err != nil {
		return "", f.err
	}
	path := space.Reserve("converted.pdf", scratch.KindOutput)
	if err := os.WriteFile(path, buildPDF(f.widths...), 0o600); err != nil {
		return "", err
	}
	return path, nil
}

func (f *fakeConverter) Requests() []converter.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]converter.Request(nil), f.requests...)
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []models.JobRecord
	err     error
}

func (f *fakeRecorder) Record(_ context.Context, rec models.JobRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return f.err
}

func (f *fakeRecorder) Records() []models.JobRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.JobRecord(nil), f.records...)
}

// fakeObjects serves gs:// objects from memory.
type fakeObjects struct {
	objects map[string][]byte
}

func (f *fakeObjects) Stage(_ context.Context, space *scratch.Space, uri string) (string, string, error) {
	data, ok := f.objects[uri]
	if !ok {
		return "", "", models.NewError(models.KindBadRequest, "gcs.stage", uri+" does not exist")
	}
	name := filepath.Base(uri)
	path, err := space.Stage(name, bytes.NewReader(data))
	return path, name, err
}

type harness struct {
	pipeline *services.Pipeline
	root     string
	local    *fakeConverter
	remote   *fakeConverter
	recorder *fakeRecorder
}

func newHarness(t *testing.T, mutate func(cfg *config.Config, opts *services.Options)) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.ScratchRoot = t.TempDir()
	h := &harness{
		root:     cfg.ScratchRoot,
		local:    &fakeConverter{widths: []float64{612}},
		remote:   &fakeConverter{widths: []float64{595, 595}},
		recorder: &fakeRecorder{},
	}
	opts := services.Options{Local: h.local, Remote: h.remote, Recorder: h.recorder}
	if mutate != nil {
		mutate(cfg, &opts)
	}
	h.pipeline = services.New(cfg, opts)
	return h
}

func (h *harness) assertScratchEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.root)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch root must be empty after the request")
}

type formPart struct {
	field    string
	filename string
	data     []byte
}

func filePart(field, filename string, data []byte) formPart {
	return formPart{field: field, filename: filename, data: data}
}

func valuePart(field, value string) formPart {
	return formPart{field: field, data: []byte(value)}
}

func multipartRequest(t *testing.T, parts ...formPart) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, p := range parts {
		var w io.Writer
		var err error
		if p.filename != "" {
			w, err = mw.CreateFormFile(p.field, p.filename)
		} else {
			w, err = mw.CreateFormField(p.field)
		}
		require.NoError(t, err)
		_, err = w.Write(p.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(handler http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func attachmentName(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	disposition, params, err := mime.ParseMediaType(rec.Header().Get("Content-Disposition"))
	require.NoError(t, err)
	assert.Equal(t, "attachment", disposition)
	return params["filename"]
}

func assertFailure(t *testing.T, rec *httptest.ResponseRecorder, kind models.ErrorKind) {
	t.Helper()
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(kind), rec.Header().Get(services.ErrorKindHeader))
}

func TestHandleMergeCombinesUploadsInOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	req := multipartRequest(t,
		filePart("files", "first.pdf", buildPDF(200)),
		filePart("other", "second.pdf", buildPDF(300, 310)),
		filePart("files", "third.pdf", buildPDF(400)),
	)

	rec := serve(h.pipeline.HandleMerge, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, "merged.pdf", attachmentName(t, rec))
	assert.Equal(t, []float64{200, 300, 310, 400}, pageWidths(t, rec.Body.Bytes()))
	h.assertScratchEmpty(t)

	records := h.recorder.Records()
	require.Len(t, records, 1)
	assert.Equal(t, services.OpMerge, records[0].Operation)
	assert.Equal(t, models.JobStatusSucceeded, records[0].Status)
	assert.Equal(t, []string{"first.pdf", "second.pdf", "third.pdf"}, records[0].InputFilenames)
	assert.Equal(t, 4, records[0].PageCount)
	assert.Equal(t, rec.Body.Len(), records[0].OutputBytes)
	assert.Len(t, records[0].OutputSHA256, 64)
	assert.NotEmpty(t, records[0].ScratchID)
}

func TestHandleMergeRejectsWrongContentType(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"files":[]}`))
	req.Header.Set("Content-Type", "application/json")

	rec := serve(h.pipeline.HandleMerge, req)
	assertFailure(t, rec, models.KindBadRequest)
	assert.Equal(t, "Incorrect content type. Expected 'multipart/form-data'.", rec.Body.String())
	h.assertScratchEmpty(t)

	records := h.recorder.Records()
	require.Len(t, records, 1)
	assert.Equal(t, models.JobStatusFailed, records[0].Status)
	assert.Equal(t, string(models.KindBadRequest), records[0].ErrorKind)
}

func TestHandleMergeRejectsEmptyUpload(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := serve(h.pipeline.HandleMerge, multipartRequest(t, valuePart("note", "nothing attached")))

	assertFailure(t, rec, models.KindBadRequest)
	assert.Equal(t, "No files were uploaded", rec.Body.String())
	h.assertScratchEmpty(t)
}

func TestHandleMergeInvalidPDFReturnsDiagnostic(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	req := multipartRequest(t,
		filePart("files", "good.pdf", buildPDF(200)),
		filePart("files", "bad.pdf", []byte("definitely not a pdf")),
	)

	rec := serve(h.pipeline.HandleMerge, req)
	assertFailure(t, rec, models.KindInvalidInputFormat)
	body := rec.Body.String()
	assert.Contains(t, body, "Kind: InvalidInputFormat")
	assert.Contains(t, body, "Source: assembler.merge")
	assert.Contains(t, body, "Stack Trace:")
	assert.Contains(t, body, "bad.pdf")
	h.assertScratchEmpty(t)
}

func TestHandleMergeAppendsGCSObjects(t *testing.T) {
	t.Parallel()

	objects := &fakeObjects{objects: map[string][]byte{
		"gs://archive/2024/cover.pdf": buildPDF(500),
	}}
	h := newHarness(t, func(_ *config.Config, opts *services.Options) { opts.Objects = objects })

	req := multipartRequest(t,
		valuePart(services.FieldGCSURI, "gs://archive/2024/cover.pdf"),
		filePart("files", "body.pdf", buildPDF(210, 220)),
	)
	rec := serve(h.pipeline.HandleMerge, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []float64{210, 220, 500}, pageWidths(t, rec.Body.Bytes()))
	h.assertScratchEmpty(t)
}

func TestHandleMergeGCSObjectsCountAsFiles(t *testing.T) {
	t.Parallel()

	objects := &fakeObjects{objects: map[string][]byte{"gs://b/one.pdf": buildPDF(300)}}
	h := newHarness(t, func(_ *config.Config, opts *services.Options) { opts.Objects = objects })

	rec := serve(h.pipeline.HandleMerge, multipartRequest(t, valuePart(services.FieldGCSURI, "gs://b/one.pdf")))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []float64{300}, pageWidths(t, rec.Body.Bytes()))
}

func TestHandleMergeGCSDisabled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := serve(h.pipeline.HandleMerge, multipartRequest(t,
		filePart("files", "a.pdf", buildPDF(200)),
		valuePart(services.FieldGCSURI, "gs://b/one.pdf"),
	))
	assertFailure(t, rec, models.KindBadRequest)
	assert.Contains(t, rec.Body.String(), "gcsUri")
	h.assertScratchEmpty(t)
}

func TestHandleMergeRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *config.Config, _ *services.Options) { cfg.MaxUploadBytes = 1024 })
	rec := serve(h.pipeline.HandleMerge, multipartRequest(t,
		filePart("files", "big.pdf", bytes.Repeat([]byte("x"), 8192)),
	))
	assertFailure(t, rec, models.KindBadRequest)
	assert.Contains(t, rec.Body.String(), "exceeds 1024 bytes")
	h.assertScratchEmpty(t)
}

func TestHandleMergeScratchWriteFailureIsInternal(t *testing.T) {
	t.Parallel()

	// Longer than NAME_MAX, so creating the scratch file fails on disk.
	name := strings.Repeat("a", 300) + ".pdf"
	h := newHarness(t, nil)
	rec := serve(h.pipeline.HandleMerge, multipartRequest(t, filePart("files", name, buildPDF(200))))

	assertFailure(t, rec, models.KindInternal)
	body := rec.Body.String()
	assert.Contains(t, body, "Kind: Internal")
	assert.Contains(t, body, "failed to stage")
	assert.NotContains(t, body, "malformed multipart body")
	h.assertScratchEmpty(t)
}

func TestHandleWatermark(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	req := multipartRequest(t,
		filePart("file", "report.pdf", buildPDF(612, 612)),
		valuePart("watermarkText", "CONFIDENTIAL"),
		valuePart("watermarkColor", "not-a-color"),
		valuePart("watermarkOpacity", "7"),
		valuePart("watermarkFont", "Times-Bold"),
	)

	rec := serve(h.pipeline.HandleWatermark, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "watermarked_report.pdf", attachmentName(t, rec))
	assert.Equal(t, []float64{612, 612}, pageWidths(t, rec.Body.Bytes()))
	h.assertScratchEmpty(t)
}

func TestHandleWatermarkValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		parts   []formPart
		message string
	}{
		{
			name: "blank text with every other field",
			parts: []formPart{
				filePart("file", "doc.pdf", buildPDF(300)),
				valuePart("watermarkText", "   "),
				valuePart("watermarkColor", "red"),
				valuePart("watermarkOpacity", "0.5"),
				valuePart("watermarkFont", "courier"),
			},
			message: "Missing watermark text.",
		},
		{
			name:    "text missing",
			parts:   []formPart{filePart("file", "doc.pdf", buildPDF(300))},
			message: "Missing watermark text.",
		},
		{
			name:    "no file",
			parts:   []formPart{valuePart("watermarkText", "DRAFT")},
			message: "No files were uploaded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, nil)
			rec := serve(h.pipeline.HandleWatermark, multipartRequest(t, tt.parts...))
			assertFailure(t, rec, models.KindBadRequest)
			assert.Equal(t, tt.message, rec.Body.String())
			h.assertScratchEmpty(t)
		})
	}
}

func TestHandleConvert(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := serve(h.pipeline.HandleConvert, multipartRequest(t, filePart("file", "Quarterly Report.docx", []byte("PK office bytes"))))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Quarterly Report.pdf", attachmentName(t, rec))
	assert.Equal(t, []float64{612}, pageWidths(t, rec.Body.Bytes()))

	requests := h.local.Requests()
	require.Len(t, requests, 1)
	local, ok := requests[0].(converter.LocalRequest)
	require.True(t, ok)
	assert.True(t, strings.HasSuffix(local.Path, "_Quarterly Report.docx"), local.Path)
	h.assertScratchEmpty(t)
}

func TestHandleConvertAcceptsOfficeFamilies(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"a.doc", "b.DOCX", "c.docm", "d.xls", "e.xlsx", "f.xlsm"} {
		h := newHarness(t, nil)
		rec := serve(h.pipeline.HandleConvert, multipartRequest(t, filePart("file", name, []byte("office"))))
		assert.Equal(t, http.StatusOK, rec.Code, name)
	}
}

func TestHandleConvertRejectsWrongExtension(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := serve(h.pipeline.HandleConvert, multipartRequest(t, filePart("file", "slides.pptx", []byte("office"))))

	assertFailure(t, rec, models.KindBadRequest)
	assert.Equal(t, "Incorrect file type. Expected '.docx' or '.xlsx'.", rec.Body.String())
	assert.Empty(t, h.local.Requests())
	h.assertScratchEmpty(t)
}

func TestHandleConvertReportsTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ *config.Config, opts *services.Options) {
		opts.Local = &fakeConverter{err: models.NewError(models.KindConversionTimedOut, "converter.local", "Error converting file to PDF")}
	})
	rec := serve(h.pipeline.HandleConvert, multipartRequest(t, filePart("file", "memo.docx", []byte("office"))))

	assertFailure(t, rec, models.KindConversionTimedOut)
	assert.Contains(t, rec.Body.String(), "Error converting file to PDF")
	h.assertScratchEmpty(t)
}

func TestHandleConvertRecoversFromPanic(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ *config.Config, opts *services.Options) {
		opts.Local = &fakeConverter{panics: true}
	})
	rec := serve(h.pipeline.HandleConvert, multipartRequest(t, filePart("file", "memo.docx", []byte("office"))))

	assertFailure(t, rec, models.KindInternal)
	assert.Contains(t, rec.Body.String(), "converter exploded")
	h.assertScratchEmpty(t)
}

const remoteBody = `{"ClientId":"client","TenantId":"tenant","ClientSecret":"secret","driveId":"drive","fileId":"file"}`

func TestHandleConvertRemote(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := serve(h.pipeline.HandleConvertRemote, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(remoteBody)))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "outputfilename.pdf", attachmentName(t, rec))
	assert.Equal(t, []float64{595, 595}, pageWidths(t, rec.Body.Bytes()))

	requests := h.remote.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, converter.RemoteRequest{
		Credentials: converter.Credentials{ClientID: "client", TenantID: "tenant", ClientSecret: "secret"},
		DriveID:     "drive",
		FileID:      "file",
	}, requests[0])
	h.assertScratchEmpty(t)
}

func TestHandleConvertRemoteValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     string
		kind     models.ErrorKind
		contains string
	}{
		{"not json", "ClientId=abc", models.KindBadRequest, "Invalid request body"},
		{"missing fields", `{"ClientId":"client","TenantId":"tenant","driveId":"drive"}`, models.KindMissingParameter, "ClientSecret, fileId"},
		{"blank field", `{"ClientId":" ","TenantId":"t","ClientSecret":"s","driveId":"d","fileId":"f"}`, models.KindMissingParameter, "ClientId"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, nil)
			rec := serve(h.pipeline.HandleConvertRemote, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body)))
			assertFailure(t, rec, tt.kind)
			assert.Contains(t, rec.Body.String(), tt.contains)
			assert.Empty(t, h.remote.Requests())
		})
	}
}

func TestHandleConvertRemoteReturnsRemoteBody(t *testing.T) {
	t.Parallel()

	remoteErr := models.NewError(models.KindConversionFailed, "converter.remote.request", "rendition request returned status 404")
	remoteErr.Status = http.StatusNotFound
	remoteErr.Body = `{"error":{"code":"itemNotFound"}}`
	h := newHarness(t, func(_ *config.Config, opts *services.Options) {
		opts.Remote = &fakeConverter{err: remoteErr}
	})

	rec := serve(h.pipeline.HandleConvertRemote, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(remoteBody)))
	assertFailure(t, rec, models.KindConversionFailed)
	assert.Equal(t, `{"error":{"code":"itemNotFound"}}`, rec.Body.String())
}

func TestRecorderFailureDoesNotAffectResponse(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.recorder.err = errors.New("firestore unavailable")

	rec := serve(h.pipeline.HandleMerge, multipartRequest(t, filePart("files", "a.pdf", buildPDF(200))))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, h.recorder.Records(), 1)
}

func TestMergeWithoutTransport(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	result, err := h.pipeline.Merge(context.Background(), []services.UploadedFile{
		{Name: "x.pdf", Content: bytes.NewReader(buildPDF(250))},
		{Name: "y.pdf", Content: bytes.NewReader(buildPDF(350, 360))},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, result.PageCount)
	assert.Equal(t, "merged.pdf", result.Filename)
	assert.Equal(t, "application/pdf", result.ContentType)
	assert.Equal(t, []float64{250, 350, 360}, pageWidths(t, result.Body))
	h.assertScratchEmpty(t)

	_, err = h.pipeline.Merge(context.Background(), nil, nil)
	assert.Equal(t, models.KindBadRequest, models.KindOf(err))
}

func TestWatermarkWithoutTransport(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	spec := h.pipeline.WatermarkDefaults()
	spec.Text = "INTERNAL"

	result, err := h.pipeline.Watermark(context.Background(), services.UploadedFile{Name: "plan.pdf", Content: bytes.NewReader(buildPDF(400, 500, 600))}, spec)
	require.NoError(t, err)
	assert.Equal(t, 3, result.PageCount)
	assert.Equal(t, "watermarked_plan.pdf", result.Filename)

	spec.Text = ""
	_, err = h.pipeline.Watermark(context.Background(), services.UploadedFile{Name: "plan.pdf", Content: bytes.NewReader(buildPDF(400))}, spec)
	assert.Equal(t, models.KindBadRequest, models.KindOf(err))
	h.assertScratchEmpty(t)
}

func TestConcurrentRequestsShareScratchRoot(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	const n = 8
	requests := make([]*http.Request, n)
	for i := range requests {
		width := float64(200 + i*10)
		requests[i] = multipartRequest(t,
			filePart("files", "same-name.pdf", buildPDF(width)),
			filePart("files", "same-name.pdf", buildPDF(width+1)),
		)
	}

	responses := make([]*httptest.ResponseRecorder, n)
	var g errgroup.Group
	for i, req := range requests {
		g.Go(func() error {
			responses[i] = serve(h.pipeline.HandleMerge, req)
			if responses[i].Code != http.StatusOK {
				return fmt.Errorf("request %d: status %d: %s", i, responses[i].Code, responses[i].Body.String())
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for i, rec := range responses {
		width := float64(200 + i*10)
		assert.Equal(t, []float64{width, width + 1}, pageWidths(t, rec.Body.Bytes()))
	}
	h.assertScratchEmpty(t)
	assert.Len(t, h.recorder.Records(), n)
}
