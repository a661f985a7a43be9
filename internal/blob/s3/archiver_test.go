package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/davencooke/predmarket/internal/domain"
)

// ---------------------------------------------------------------------------
// In-memory fakes for the blob and journal ports.
// ---------------------------------------------------------------------------

type memBlobStore struct {
	objects map[string][]byte
}

func newMemBlobStore() *memBlobStore {
	return &memBlobStore{objects: make(map[string][]byte)}
}

func (s *memBlobStore) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	s.objects[path] = b
	return nil
}

func (s *memBlobStore) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return s.Put(ctx, path, data, "")
}

func (s *memBlobStore) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b, ok := s.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (s *memBlobStore) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// corruptingWriter mangles every stored object after the upload, simulating
// a bucket that cannot be trusted.
type corruptingWriter struct {
	*memBlobStore
}

func (w *corruptingWriter) Put(ctx context.Context, path string, data io.Reader, ct string) error {
	if err := w.memBlobStore.Put(ctx, path, data, ct); err != nil {
		return err
	}
	w.objects[path] = append(w.objects[path], "garbage"...)
	return nil
}

type archiveQuestionStore struct {
	questions []domain.Question
}

func (s *archiveQuestionStore) GetByKey(_ context.Context, key domain.QuestionKey) (domain.Question, error) {
	for _, q := range s.questions {
		if q.Key == key {
			return q, nil
		}
	}
	return domain.Question{}, domain.ErrNotFound
}

func (s *archiveQuestionStore) ListByState(_ context.Context, state domain.QuestionState, opts domain.ListOpts) ([]domain.Question, error) {
	var matched []domain.Question
	for _, q := range s.questions {
		if q.State == state {
			matched = append(matched, q)
		}
	}
	if opts.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(matched) {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

type archiveBetStore struct {
	bets []domain.Bet
}

func (s *archiveBetStore) ListByQuestion(_ context.Context, key domain.QuestionKey) ([]domain.Bet, error) {
	var out []domain.Bet
	for _, b := range s.bets {
		if b.QuestionKey == key {
			out = append(out, b)
		}
	}
	return out, nil
}

type archivePayoutStore struct {
	payouts []domain.Payout
}

func (s *archivePayoutStore) ListByQuestion(_ context.Context, key domain.QuestionKey) ([]domain.Payout, error) {
	var out []domain.Payout
	for _, p := range s.payouts {
		if p.QuestionKey == key {
			out = append(out, p)
		}
	}
	return out, nil
}

type archiveAuditStore struct {
	events []string
}

func (s *archiveAuditStore) Log(_ context.Context, event string, _ map[string]any) error {
	s.events = append(s.events, event)
	return nil
}

func (s *archiveAuditStore) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

// ---------------------------------------------------------------------------

func answeredQuestion(key domain.QuestionKey, phrase string) domain.Question {
	now := time.Now().UTC()
	return domain.Question{
		Key:       key,
		Phrase:    phrase,
		State:     domain.QuestionAnswered,
		Answer:    domain.OutcomeYes,
		YesPool:   big.NewInt(60),
		NoPool:    big.NewInt(40),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestArchiveQuestionExportsLedger(t *testing.T) {
	ctx := context.Background()
	key := common.HexToHash("0x00000000000000000000000000000000000000000000000000000000000000a1")
	alice := common.HexToAddress("0x0000000000000000000000000000000000000b01")
	bob := common.HexToAddress("0x0000000000000000000000000000000000000b02")

	blob := newMemBlobStore()
	questions := &archiveQuestionStore{questions: []domain.Question{answeredQuestion(key, "btc above 100k")}}
	bets := &archiveBetStore{bets: []domain.Bet{
		{QuestionKey: key, Bettor: alice, YesAmount: big.NewInt(60), NoAmount: big.NewInt(0), Withdrawn: true},
		{QuestionKey: key, Bettor: bob, YesAmount: big.NewInt(0), NoAmount: big.NewInt(40), Withdrawn: true},
	}}
	payouts := &archivePayoutStore{payouts: []domain.Payout{
		{ID: "p1", QuestionKey: key, Bettor: alice, Amount: big.NewInt(100)},
	}}
	audit := &archiveAuditStore{}

	arch := NewArchiver(blob, blob, questions, bets, payouts, audit)

	count, err := arch.ArchiveQuestion(ctx, key)
	if err != nil {
		t.Fatalf("ArchiveQuestion: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	raw, ok := blob.objects[archivePath(key)]
	if !ok {
		t.Fatalf("no object at %s", archivePath(key))
	}
	var doc settledQuestion
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if doc.Question.Key != key || len(doc.Bets) != 2 || len(doc.Payouts) != 1 {
		t.Errorf("export = question %s, %d bets, %d payouts", doc.Question.Key.Hex(), len(doc.Bets), len(doc.Payouts))
	}
	if len(audit.events) != 1 || audit.events[0] != "archive.question" {
		t.Errorf("audit events = %v, want [archive.question]", audit.events)
	}

	t.Run("unresolved question rejected", func(t *testing.T) {
		open := common.HexToHash("0x00000000000000000000000000000000000000000000000000000000000000a2")
		q := answeredQuestion(open, "still open")
		q.State = domain.QuestionOpen
		q.Answer = ""
		questions.questions = append(questions.questions, q)

		if _, err := arch.ArchiveQuestion(ctx, open); !errors.Is(err, domain.ErrNotResolved) {
			t.Fatalf("want ErrNotResolved, got %v", err)
		}
	})
}

func TestArchiveSettledSkipsUnclaimedAndExported(t *testing.T) {
	ctx := context.Background()
	settled := common.HexToHash("0x00000000000000000000000000000000000000000000000000000000000000b1")
	pending := common.HexToHash("0x00000000000000000000000000000000000000000000000000000000000000b2")
	alice := common.HexToAddress("0x0000000000000000000000000000000000000b01")

	blob := newMemBlobStore()
	questions := &archiveQuestionStore{questions: []domain.Question{
		answeredQuestion(settled, "fully withdrawn"),
		answeredQuestion(pending, "claim outstanding"),
	}}
	bets := &archiveBetStore{bets: []domain.Bet{
		{QuestionKey: settled, Bettor: alice, YesAmount: big.NewInt(60), NoAmount: big.NewInt(40), Withdrawn: true},
		{QuestionKey: pending, Bettor: alice, YesAmount: big.NewInt(60), NoAmount: big.NewInt(40), Withdrawn: false},
	}}
	audit := &archiveAuditStore{}

	arch := NewArchiver(blob, blob, questions, bets, &archivePayoutStore{}, audit)

	n, err := arch.ArchiveSettled(ctx)
	if err != nil {
		t.Fatalf("ArchiveSettled: %v", err)
	}
	if n != 1 {
		t.Fatalf("archived = %d, want 1", n)
	}
	if _, ok := blob.objects[archivePath(settled)]; !ok {
		t.Error("settled question not exported")
	}
	if _, ok := blob.objects[archivePath(pending)]; ok {
		t.Error("question with outstanding claim was exported")
	}

	// A second sweep finds the export already in the bucket and does nothing.
	n, err = arch.ArchiveSettled(ctx)
	if err != nil {
		t.Fatalf("second ArchiveSettled: %v", err)
	}
	if n != 0 {
		t.Errorf("second sweep archived = %d, want 0", n)
	}

	// Once the outstanding claim is paid, the next sweep picks it up.
	bets.bets[1].Withdrawn = true
	n, err = arch.ArchiveSettled(ctx)
	if err != nil {
		t.Fatalf("third ArchiveSettled: %v", err)
	}
	if n != 1 {
		t.Errorf("third sweep archived = %d, want 1", n)
	}
}

func TestArchiveQuestionVerifiesUpload(t *testing.T) {
	ctx := context.Background()
	key := common.HexToHash("0x00000000000000000000000000000000000000000000000000000000000000c1")
	alice := common.HexToAddress("0x0000000000000000000000000000000000000b01")

	blob := newMemBlobStore()
	questions := &archiveQuestionStore{questions: []domain.Question{answeredQuestion(key, "flaky bucket")}}
	bets := &archiveBetStore{bets: []domain.Bet{
		{QuestionKey: key, Bettor: alice, YesAmount: big.NewInt(60), NoAmount: big.NewInt(40), Withdrawn: true},
	}}
	audit := &archiveAuditStore{}

	arch := NewArchiver(&corruptingWriter{blob}, blob, questions, bets, &archivePayoutStore{}, audit)

	if _, err := arch.ArchiveQuestion(ctx, key); err == nil {
		t.Fatal("ArchiveQuestion accepted a corrupted upload")
	}
	if len(audit.events) != 0 {
		t.Errorf("audit events = %v, want none for a failed archive", audit.events)
	}
}
