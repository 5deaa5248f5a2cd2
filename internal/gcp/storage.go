package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/S1L3NTANG3L/Azure-PDF-Function/internal/models"
	"github.com/S1L3NTANG3L/Azure-PDF-Function/internal/scratch"
)

// ObjectSource stages Cloud Storage objects into a request's scratch space so
// they can be merged alongside uploaded files.
type ObjectSource struct {
	client *storage.Client
}

// NewObjectSource wraps an existing storage client.
func NewObjectSource(client *storage.Client) *ObjectSource {
	return &ObjectSource{client: client}
}

// ParseGCSURI splits "gs://bucket/object" into its bucket and object name.
func ParseGCSURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(uri), "gs://")
	if !ok {
		return "", "", fmt.Errorf("%q is not a gs:// URI", uri)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("%q must name both a bucket and an object", uri)
	}
	return bucket, object, nil
}

// Stage streams the object behind uri into space and returns the local path
// and the object's base name.
func (s *ObjectSource) Stage(ctx context.Context, space *scratch.Space, uri string) (string, string, error) {
	const op = "gcs.stage"

	bucket, object, err := ParseGCSURI(uri)
	if err != nil {
		return "", "", models.Wrap(models.KindBadRequest, op, "invalid gcsUri", err)
	}

	reader, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return "", "", classifyGCSError(op, uri, err)
	}
	defer reader.Close()

	name := path.Base(object)
	localPath, err := space.Stage(name, reader)
	if err != nil {
		return "", "", models.Wrap(models.KindInternal, op, fmt.Sprintf("failed to copy gs://%s/%s to scratch", bucket, object), err)
	}
	slog.Debug("Staged GCS object.", "gcsBucket", bucket, "gcsObject", object, "path", localPath)
	return localPath, name, nil
}

func classifyGCSError(op, uri string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return models.Wrap(models.KindBadRequest, op, fmt.Sprintf("%s does not exist", uri), err)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		pe := models.Wrap(models.KindBadRequest, op, fmt.Sprintf("cannot read %s", uri), err)
		pe.Status = gerr.Code
		if gerr.Code >= http.StatusInternalServerError {
			pe.Kind = models.KindInternal
		}
		return pe
	}
	return models.Wrap(models.KindInternal, op, fmt.Sprintf("failed to open reader for %s", uri), err)
}
