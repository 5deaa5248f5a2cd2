package converter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/S1L3NTANG3L/Azure-PDF-Function/internal/models"
	"github.com/S1L3NTANG3L/Azure-PDF-Function/internal/scratch"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultPollAttempts = 10
)

// LocalOptions configures a LocalConverter.
type LocalOptions struct {
	Binary       string
	PollInterval time.Duration
	PollAttempts int
	Logger       *slog.Logger
	Observer     Observer
}

// LocalConverter runs LibreOffice headless against a staged file. The
// process can exit before the PDF is flushed to disk, so after a clean exit
// the expected output path is polled a bounded number of times.
type LocalConverter struct {
	opts     LocalOptions
	executor CommandExecutor
	exists   func(path string) bool
}

// NewLocalConverter creates a LocalConverter, filling zero-valued options with
// defaults.
func NewLocalConverter(opts LocalOptions) *LocalConverter {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = defaultPollAttempts
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &LocalConverter{
		opts:     opts,
		executor: defaultExecutor{},
		exists:   regularFileExists,
	}
}

// Convert implements Converter for LocalRequest.
func (c *LocalConverter) Convert(ctx context.Context, space *scratch.Space, req Request) (string, error) {
	const op = "converter.local"

	local, ok := req.(LocalRequest)
	if !ok {
		return "", wrongRequest(op, req)
	}
	logCtx := c.opts.Logger.With("scratchId", space.ID(), "input", filepath.Base(local.Path))

	outDir := filepath.Dir(local.Path)
	expected := ExpectedOutputPath(local.Path)
	space.Track(expected, scratch.KindOutput)
	profileDir := space.Reserve("libreoffice-profile", scratch.KindOutput)

	c.transition(logCtx, StateSubmitted)
	args := []string{
		"--norestore",
		"--nofirststartwizard",
		"--headless",
		"-env:UserInstallation=file://" + filepath.ToSlash(profileDir),
		"--convert-to", "pdf",
		"--outdir", outDir,
		local.Path,
	}
	output, err := c.executor.RunCombined(ctx, c.opts.Binary, args...)
	if err != nil {
		c.transition(logCtx, StateFailed)
		return "", models.Wrap(models.KindConversionFailed, op, describeExecFailure(c.opts.Binary, err, output), err)
	}

	c.transition(logCtx, StatePolling)
	found, err := c.poll(ctx, expected)
	if err != nil {
		c.transition(logCtx, StateFailed)
		return "", models.Wrap(models.KindConversionFailed, op, "conversion was cancelled while waiting for output", err)
	}
	if !found {
		c.transition(logCtx, StateTimedOut)
		return "", models.NewError(models.KindConversionTimedOut, op,
			fmt.Sprintf("Error converting file to PDF: %s did not appear after %d checks every %s",
				filepath.Base(expected), c.opts.PollAttempts, c.opts.PollInterval))
	}

	c.transition(logCtx, StateDone)
	return expected, nil
}

// poll checks for path exactly PollAttempts times, waiting PollInterval
// between checks.
func (c *LocalConverter) poll(ctx context.Context, path string) (bool, error) {
	for attempt := 1; attempt <= c.opts.PollAttempts; attempt++ {
		if c.exists(path) {
			return true, nil
		}
		if attempt == c.opts.PollAttempts {
			break
		}
		timer := time.NewTimer(c.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
	return false, nil
}

func (c *LocalConverter) transition(logCtx *slog.Logger, s State) {
	logCtx.Info("Local conversion state changed.", "state", string(s))
	notify(c.opts.Observer, s)
}

// ExpectedOutputPath is where LibreOffice writes the PDF for input when
// --outdir is the input's directory.
func ExpectedOutputPath(input string) string {
	base := filepath.Base(input)
	return filepath.Join(filepath.Dir(input), strings.TrimSuffix(base, filepath.Ext(base))+".pdf")
}

func describeExecFailure(binary string, err error, output []byte) string {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Sprintf("Failed to convert file: %s exited with code %d. Output: %s",
			binary, exitErr.ExitCode(), strings.TrimSpace(string(output)))
	}
	return fmt.Sprintf("Failed to convert file: could not run %s", binary)
}

func regularFileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
