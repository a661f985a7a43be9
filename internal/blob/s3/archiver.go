package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/davencooke/predmarket/internal/domain"
)

// ---------------------------------------------------------------------------
// Narrow store interfaces required by the archiver.
//
// The archiver only needs the query methods it actually calls, not the full
// domain store interfaces. The Postgres stores satisfy these implicitly.
// ---------------------------------------------------------------------------

// QuestionArchiveStore provides read access to questions for archival.
type QuestionArchiveStore interface {
	GetByKey(ctx context.Context, key domain.QuestionKey) (domain.Question, error)
	ListByState(ctx context.Context, state domain.QuestionState, opts domain.ListOpts) ([]domain.Question, error)
}

// BetArchiveStore provides read access to a question's ledger for archival.
type BetArchiveStore interface {
	ListByQuestion(ctx context.Context, key domain.QuestionKey) ([]domain.Bet, error)
}

// PayoutArchiveStore provides read access to a question's payout history for
// archival.
type PayoutArchiveStore interface {
	ListByQuestion(ctx context.Context, key domain.QuestionKey) ([]domain.Payout, error)
}

// ---------------------------------------------------------------------------
// ArchiveImpl
// ---------------------------------------------------------------------------

// settledQuestion is the export document written for each archived question:
// the final question snapshot plus its complete ledger and payout history.
type settledQuestion struct {
	Question   domain.Question `json:"question"`
	Bets       []domain.Bet    `json:"bets"`
	Payouts    []domain.Payout `json:"payouts"`
	ArchivedAt time.Time       `json:"archived_at"`
}

// ArchiveImpl implements domain.Archiver by querying the journal stores for
// answered questions, serializing each with its ledger and payouts, and
// uploading the result to S3. Every upload is read back through the reader
// and compared byte for byte before it is counted as archived.
//
// Deletion of the archived records from the primary store is intentionally
// NOT performed here -- that is a separate, explicit step to be executed
// after the archive has been verified.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	questions QuestionArchiveStore
	bets      BetArchiveStore
	payouts   PayoutArchiveStore
	audit     domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	questions QuestionArchiveStore,
	bets BetArchiveStore,
	payouts PayoutArchiveStore,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:    writer,
		reader:    reader,
		questions: questions,
		bets:      bets,
		payouts:   payouts,
		audit:     audit,
	}
}

var _ domain.Archiver = (*ArchiveImpl)(nil)

// ArchiveQuestion exports one answered question to S3 at
// settled/<key>.json, including its full ledger and payout history. The
// archival event is recorded in the audit log and the count of ledger
// entries written is returned.
func (a *ArchiveImpl) ArchiveQuestion(ctx context.Context, key domain.QuestionKey) (int64, error) {
	q, err := a.questions.GetByKey(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive question query: %w", err)
	}
	if q.State != domain.QuestionAnswered {
		return 0, fmt.Errorf("s3blob: archive question %s: %w", key.Hex(), domain.ErrNotResolved)
	}

	bets, err := a.bets.ListByQuestion(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive question bets: %w", err)
	}
	payouts, err := a.payouts.ListByQuestion(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive question payouts: %w", err)
	}

	doc := settledQuestion{
		Question:   q,
		Bets:       bets,
		Payouts:    payouts,
		ArchivedAt: time.Now().UTC(),
	}
	buf, err := marshalJSON(doc)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive question marshal: %w", err)
	}

	path := archivePath(key)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/json"); err != nil {
		return 0, fmt.Errorf("s3blob: archive question upload: %w", err)
	}
	if err := a.verifyUpload(ctx, path, buf); err != nil {
		return 0, err
	}

	count := int64(len(bets))

	if err := a.audit.Log(ctx, "archive.question", map[string]any{
		"question": key.Hex(),
		"path":     path,
		"bets":     count,
		"payouts":  len(payouts),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive question audit log: %w", err)
	}

	return count, nil
}

// ArchiveSettled exports every answered question whose ledger is fully
// withdrawn. Questions with outstanding claims are skipped so bettors can
// still be paid out of the live store; questions already present in the
// bucket are skipped as well. Returns the number of questions archived.
func (a *ArchiveImpl) ArchiveSettled(ctx context.Context) (int64, error) {
	const batch = 200

	existing, err := a.reader.List(ctx, archivePrefix)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive settled list bucket: %w", err)
	}
	exported := make(map[string]bool, len(existing))
	for _, key := range existing {
		exported[key] = true
	}

	var archived int64
	for offset := 0; ; offset += batch {
		questions, err := a.questions.ListByState(ctx, domain.QuestionAnswered, domain.ListOpts{
			Limit:  batch,
			Offset: offset,
		})
		if err != nil {
			return archived, fmt.Errorf("s3blob: archive settled query: %w", err)
		}
		if len(questions) == 0 {
			return archived, nil
		}

		for _, q := range questions {
			if exported[archivePath(q.Key)] {
				continue
			}
			done, err := a.fullyWithdrawn(ctx, q.Key)
			if err != nil {
				return archived, err
			}
			if !done {
				continue
			}
			if _, err := a.ArchiveQuestion(ctx, q.Key); err != nil {
				return archived, err
			}
			archived++
		}
	}
}

// fullyWithdrawn reports whether every ledger entry on the question has been
// claimed.
func (a *ArchiveImpl) fullyWithdrawn(ctx context.Context, key domain.QuestionKey) (bool, error) {
	bets, err := a.bets.ListByQuestion(ctx, key)
	if err != nil {
		return false, fmt.Errorf("s3blob: archive settled bets: %w", err)
	}
	for _, b := range bets {
		if !b.Withdrawn {
			return false, nil
		}
	}
	return true, nil
}

// verifyUpload reads the object back and compares it with what was sent.
// A mismatch means the bucket cannot be trusted with this export, so the
// archival is not recorded.
func (a *ArchiveImpl) verifyUpload(ctx context.Context, path string, want []byte) error {
	rc, err := a.reader.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("s3blob: archive verify %s: %w", path, err)
	}
	defer rc.Close()

	got, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("s3blob: archive verify %s: %w", path, err)
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("s3blob: archive verify %s: stored object differs from upload", path)
	}
	return nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// archivePrefix is the bucket prefix under which settled questions are
// exported.
const archivePrefix = "settled/"

// archivePath builds the S3 key for a settled question export.
//
//	settled/0xabc...def.json
func archivePath(key domain.QuestionKey) string {
	return archivePrefix + key.Hex() + ".json"
}

// marshalJSON serialises the export document as indented JSON so archives
// stay greppable from the bucket console.
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
