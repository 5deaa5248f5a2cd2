package services

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"

	"github.com/S1L3NTANG3L/Azure-PDF-Function/internal/models"
)

// JobRecorder stores an audit entry for every pipeline invocation.
type JobRecorder interface {
	Record(ctx context.Context, rec models.JobRecord) error
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, models.JobRecord) error { return nil }

// FirestoreRecorder adds one document per invocation to a collection.
type FirestoreRecorder struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreRecorder(client *firestore.Client, collection string) *FirestoreRecorder {
	return &FirestoreRecorder{client: client, collection: collection}
}

func (r *FirestoreRecorder) Record(ctx context.Context, rec models.JobRecord) error {
	if _, _, err := r.client.Collection(r.collection).Add(ctx, rec); err != nil {
		return fmt.Errorf("failed to add job record to %s: %w", r.collection, err)
	}
	return nil
}
