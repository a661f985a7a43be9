package domain

import (
	"context"
	"io"
)

// BlobWriter writes objects to blob storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader reads objects from blob storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Archiver exports settled questions to long-term blob storage.
type Archiver interface {
	// ArchiveQuestion exports one answered question with its full ledger
	// and payout history. Returns the number of ledger entries written.
	ArchiveQuestion(ctx context.Context, key QuestionKey) (int64, error)

	// ArchiveSettled exports every answered question whose ledger is fully
	// withdrawn. Returns the number of questions archived.
	ArchiveSettled(ctx context.Context) (int64, error)
}
