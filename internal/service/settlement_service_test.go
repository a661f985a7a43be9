package service

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/davencooke/predmarket/internal/crypto"
	"github.com/davencooke/predmarket/internal/domain"
	"github.com/davencooke/predmarket/internal/engine"
	"github.com/davencooke/predmarket/internal/treasury"
)

var (
	owner  = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	alice  = common.HexToAddress("0x0000000000000000000000000000000000000b01")
	bob    = common.HexToAddress("0x0000000000000000000000000000000000000b02")
	oracle = common.HexToAddress("0x0000000000000000000000000000000000000c01")
)

// ---------------------------------------------------------------------------
// In-memory fakes for the journal and cache ports.
// ---------------------------------------------------------------------------

type memQuestionStore struct {
	mu        sync.Mutex
	questions map[domain.QuestionKey]domain.Question
}

func newMemQuestionStore() *memQuestionStore {
	return &memQuestionStore{questions: make(map[domain.QuestionKey]domain.Question)}
}

func (s *memQuestionStore) Insert(_ context.Context, q domain.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.questions[q.Key]; ok {
		return domain.ErrAlreadyExists
	}
	s.questions[q.Key] = q
	return nil
}

func (s *memQuestionStore) Update(_ context.Context, q domain.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.questions[q.Key]; !ok {
		return domain.ErrNotFound
	}
	s.questions[q.Key] = q
	return nil
}

func (s *memQuestionStore) GetByKey(_ context.Context, key domain.QuestionKey) (domain.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[key]
	if !ok {
		return domain.Question{}, domain.ErrNotFound
	}
	return q, nil
}

func (s *memQuestionStore) List(_ context.Context, _ domain.ListOpts) ([]domain.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Question, 0, len(s.questions))
	for _, q := range s.questions {
		out = append(out, q)
	}
	return out, nil
}

func (s *memQuestionStore) ListByState(_ context.Context, state domain.QuestionState, _ domain.ListOpts) ([]domain.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Question
	for _, q := range s.questions {
		if q.State == state {
			out = append(out, q)
		}
	}
	return out, nil
}

func (s *memQuestionStore) Count(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.questions)), nil
}

type betKey struct {
	q domain.QuestionKey
	b domain.Identity
}

type memBetStore struct {
	mu               sync.Mutex
	bets             map[betKey]domain.Bet
	markWithdrawnErr error
}

func newMemBetStore() *memBetStore {
	return &memBetStore{bets: make(map[betKey]domain.Bet)}
}

func (s *memBetStore) Upsert(_ context.Context, bet domain.Bet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bets[betKey{bet.QuestionKey, bet.Bettor}] = bet
	return nil
}

func (s *memBetStore) Get(_ context.Context, key domain.QuestionKey, bettor domain.Identity) (domain.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bets[betKey{key, bettor}]
	if !ok {
		return domain.Bet{}, domain.ErrNotFound
	}
	return b, nil
}

func (s *memBetStore) ListByQuestion(_ context.Context, key domain.QuestionKey) ([]domain.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Bet
	for k, b := range s.bets {
		if k.q == key {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *memBetStore) MarkWithdrawn(_ context.Context, key domain.QuestionKey, bettor domain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markWithdrawnErr != nil {
		return s.markWithdrawnErr
	}
	b, ok := s.bets[betKey{key, bettor}]
	if !ok {
		return domain.ErrNotFound
	}
	b.Withdrawn = true
	s.bets[betKey{key, bettor}] = b
	return nil
}

func (s *memBetStore) SumPools(_ context.Context, key domain.QuestionKey) (*big.Int, *big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	yes, no := new(big.Int), new(big.Int)
	for k, b := range s.bets {
		if k.q == key {
			yes.Add(yes, b.YesAmount)
			no.Add(no, b.NoAmount)
		}
	}
	return yes, no, nil
}

type memPayoutStore struct {
	mu        sync.Mutex
	payouts   []domain.Payout
	insertErr error
}

func (s *memPayoutStore) Insert(_ context.Context, p domain.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.payouts = append(s.payouts, p)
	return nil
}

func (s *memPayoutStore) ListByQuestion(_ context.Context, key domain.QuestionKey) ([]domain.Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Payout
	for _, p := range s.payouts {
		if p.QuestionKey == key {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memPayoutStore) SumByQuestion(_ context.Context, key domain.QuestionKey) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := new(big.Int)
	for _, p := range s.payouts {
		if p.QuestionKey == key {
			total.Add(total, p.Amount)
		}
	}
	return total, nil
}

type roleGrant struct {
	key  domain.QuestionKey
	id   domain.Identity
	role string
}

type memRoleStore struct {
	mu     sync.Mutex
	grants []roleGrant
}

func (s *memRoleStore) Grant(_ context.Context, key domain.QuestionKey, id domain.Identity, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.grants {
		if g.key == key && g.id == id && g.role == role {
			return nil
		}
	}
	s.grants = append(s.grants, roleGrant{key, id, role})
	return nil
}

func (s *memRoleStore) ListByQuestion(_ context.Context, key domain.QuestionKey) (admins, trusted []domain.Identity, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.grants {
		if g.key != key {
			continue
		}
		switch g.role {
		case domain.RoleAdmin:
			admins = append(admins, g.id)
		case domain.RoleTrustedSource:
			trusted = append(trusted, g.id)
		}
	}
	return admins, trusted, nil
}

type memAuditStore struct {
	mu     sync.Mutex
	events []string
}

func (s *memAuditStore) Log(_ context.Context, event string, _ map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memAuditStore) List(_ context.Context, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type memCache struct {
	mu    sync.Mutex
	items map[domain.QuestionKey]domain.Question
}

func newMemCache() *memCache {
	return &memCache{items: make(map[domain.QuestionKey]domain.Question)}
}

func (c *memCache) Set(_ context.Context, q domain.Question) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[q.Key] = q
	return nil
}

func (c *memCache) Get(_ context.Context, key domain.QuestionKey) (domain.Question, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.items[key]
	if !ok {
		return domain.Question{}, domain.ErrNotFound
	}
	return q, nil
}

func (c *memCache) Invalidate(_ context.Context, key domain.QuestionKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

type memBus struct {
	mu        sync.Mutex
	published map[string]int
}

func newMemBus() *memBus { return &memBus{published: make(map[string]int)} }

func (b *memBus) Publish(_ context.Context, channel string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel]++
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *memBus) StreamAppend(_ context.Context, stream string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published["stream:"+stream]++
	return nil
}

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type memLocks struct{ held bool }

func (l *memLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	if l.held {
		return nil, domain.ErrLockHeld
	}
	return func() {}, nil
}

type memLimiter struct{ deny bool }

func (l *memLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return !l.deny, nil
}

func (l *memLimiter) Wait(context.Context, string) error { return nil }

// ---------------------------------------------------------------------------

type fixture struct {
	svc       *SettlementService
	vault     *treasury.Vault
	questions *memQuestionStore
	bets      *memBetStore
	payouts   *memPayoutStore
	roles     *memRoleStore
	audit     *memAuditStore
	cache     *memCache
	bus       *memBus
	locks     *memLocks
	limiter   *memLimiter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	f := &fixture{
		vault:     treasury.NewVault(logger),
		questions: newMemQuestionStore(),
		bets:      newMemBetStore(),
		payouts:   &memPayoutStore{},
		roles:     &memRoleStore{},
		audit:     &memAuditStore{},
		cache:     newMemCache(),
		bus:       newMemBus(),
		locks:     &memLocks{},
		limiter:   &memLimiter{},
	}
	market := engine.NewMarket(owner, f.vault, crypto.QuestionKey)
	f.svc = NewSettlementService(
		market, f.questions, f.bets, f.payouts, f.roles, f.audit,
		f.cache, f.bus, f.locks, f.limiter, nil, logger,
	)
	return f
}

func TestCreateQuestionJournalsAndPublishes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	q, err := f.svc.CreateQuestion(ctx, owner, "will it rain tomorrow")
	if err != nil {
		t.Fatalf("CreateQuestion: %v", err)
	}
	if q.State != domain.QuestionOpen {
		t.Errorf("state = %s, want open", q.State)
	}
	if _, err := f.questions.GetByKey(ctx, q.Key); err != nil {
		t.Errorf("question not journaled: %v", err)
	}
	admins, _, _ := f.roles.ListByQuestion(ctx, q.Key)
	if len(admins) != 1 || admins[0] != owner {
		t.Errorf("journaled admins = %v, want [%s]", admins, owner)
	}
	if _, err := f.cache.Get(ctx, q.Key); err != nil {
		t.Errorf("question not cached: %v", err)
	}
	if f.bus.published[domain.ChannelQuestions] != 1 {
		t.Errorf("published %d question events, want 1", f.bus.published[domain.ChannelQuestions])
	}

	t.Run("rate limited", func(t *testing.T) {
		f.limiter.deny = true
		defer func() { f.limiter.deny = false }()
		if _, err := f.svc.CreateQuestion(ctx, owner, "another"); !errors.Is(err, domain.ErrRateLimited) {
			t.Fatalf("want ErrRateLimited, got %v", err)
		}
	})

	t.Run("lock contention", func(t *testing.T) {
		f.locks.held = true
		defer func() { f.locks.held = false }()
		if _, err := f.svc.CreateQuestion(ctx, owner, "contended"); !errors.Is(err, domain.ErrLockHeld) {
			t.Fatalf("want ErrLockHeld, got %v", err)
		}
	})
}

func TestSettlementLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.vault.Credit(alice, big.NewInt(100))
	f.vault.Credit(bob, big.NewInt(100))

	q, err := f.svc.CreateQuestion(ctx, owner, "btc above 100k by june")
	if err != nil {
		t.Fatalf("CreateQuestion: %v", err)
	}
	if err := f.svc.AddTrustedSource(ctx, owner, q.Key, oracle); err != nil {
		t.Fatalf("AddTrustedSource: %v", err)
	}

	if _, err := f.svc.PlaceBet(ctx, alice, q.Key, big.NewInt(60), big.NewInt(0), big.NewInt(60)); err != nil {
		t.Fatalf("alice PlaceBet: %v", err)
	}
	if _, err := f.svc.PlaceBet(ctx, bob, q.Key, big.NewInt(0), big.NewInt(40), big.NewInt(40)); err != nil {
		t.Fatalf("bob PlaceBet: %v", err)
	}

	journaled, err := f.questions.GetByKey(ctx, q.Key)
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	if journaled.YesPool.Int64() != 60 || journaled.NoPool.Int64() != 40 {
		t.Fatalf("journaled pools = %s/%s, want 60/40", journaled.YesPool, journaled.NoPool)
	}

	if err := f.svc.Pause(ctx, owner, q.Key); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if _, err := f.svc.PlaceBet(ctx, alice, q.Key, big.NewInt(1), big.NewInt(0), big.NewInt(1)); !errors.Is(err, domain.ErrMarketClosed) {
		t.Fatalf("bet while paused: want ErrMarketClosed, got %v", err)
	}
	if err := f.svc.Unpause(ctx, owner, q.Key); err != nil {
		t.Fatalf("Unpause: %v", err)
	}

	if err := f.svc.Resolve(ctx, oracle, q.Key, domain.OutcomeYes); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := f.svc.Resolve(ctx, oracle, q.Key, domain.OutcomeYes); !errors.Is(err, domain.ErrAlreadyResolved) {
		t.Fatalf("second resolve: want ErrAlreadyResolved, got %v", err)
	}

	payout, err := f.svc.Withdraw(ctx, alice, q.Key)
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if payout.Amount.Int64() != 100 {
		t.Fatalf("payout = %s, want 100", payout.Amount)
	}
	if payout.ID == "" {
		t.Error("payout ID not assigned")
	}
	if _, err := f.svc.Withdraw(ctx, alice, q.Key); !errors.Is(err, domain.ErrAlreadyWithdrawn) {
		t.Fatalf("second withdraw: want ErrAlreadyWithdrawn, got %v", err)
	}

	bet, err := f.bets.Get(ctx, q.Key, alice)
	if err != nil {
		t.Fatalf("bets.Get: %v", err)
	}
	if !bet.Withdrawn {
		t.Error("journaled bet not marked withdrawn")
	}
	if got := f.vault.Balance(alice); got.Int64() != 140 {
		t.Errorf("alice balance = %s, want 140", got)
	}
	if f.bus.published[domain.ChannelPayouts] != 1 {
		t.Errorf("published %d payout events, want 1", f.bus.published[domain.ChannelPayouts])
	}
}

func TestWithdrawJournalDriftAudited(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*fixture, domain.QuestionKey) {
		t.Helper()
		f := newFixture(t)
		f.vault.Credit(alice, big.NewInt(100))
		f.vault.Credit(bob, big.NewInt(100))
		q, err := f.svc.CreateQuestion(ctx, owner, "journal drift test")
		if err != nil {
			t.Fatalf("CreateQuestion: %v", err)
		}
		if err := f.svc.AddTrustedSource(ctx, owner, q.Key, oracle); err != nil {
			t.Fatalf("AddTrustedSource: %v", err)
		}
		if _, err := f.svc.PlaceBet(ctx, alice, q.Key, big.NewInt(60), big.NewInt(0), big.NewInt(60)); err != nil {
			t.Fatalf("alice PlaceBet: %v", err)
		}
		if _, err := f.svc.PlaceBet(ctx, bob, q.Key, big.NewInt(0), big.NewInt(40), big.NewInt(40)); err != nil {
			t.Fatalf("bob PlaceBet: %v", err)
		}
		if err := f.svc.Resolve(ctx, oracle, q.Key, domain.OutcomeYes); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		return f, q.Key
	}

	hasDriftEntry := func(f *fixture) bool {
		for _, e := range f.audit.events {
			if e == "payout_journal_drift" {
				return true
			}
		}
		return false
	}

	t.Run("ledger mark fails after payout", func(t *testing.T) {
		f, key := setup(t)
		f.bets.markWithdrawnErr = errors.New("journal unavailable")

		if _, err := f.svc.Withdraw(ctx, alice, key); err == nil {
			t.Fatal("Withdraw succeeded despite journal failure")
		}
		// The vault transfer stands; only the journal is behind.
		if got := f.vault.Balance(alice); got.Int64() != 140 {
			t.Errorf("alice balance = %s, want 140", got)
		}
		if !hasDriftEntry(f) {
			t.Error("no payout_journal_drift audit entry recorded")
		}
	})

	t.Run("payout insert fails after payout", func(t *testing.T) {
		f, key := setup(t)
		f.payouts.insertErr = errors.New("journal unavailable")

		if _, err := f.svc.Withdraw(ctx, alice, key); err == nil {
			t.Fatal("Withdraw succeeded despite journal failure")
		}
		if got := f.vault.Balance(alice); got.Int64() != 140 {
			t.Errorf("alice balance = %s, want 140", got)
		}
		bet, err := f.bets.Get(ctx, key, alice)
		if err != nil {
			t.Fatalf("bets.Get: %v", err)
		}
		if !bet.Withdrawn {
			t.Error("ledger entry not marked withdrawn")
		}
		if !hasDriftEntry(f) {
			t.Error("no payout_journal_drift audit entry recorded")
		}
	})
}

func TestResolveSigned(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	signer, err := crypto.NewResolutionSigner("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	if err != nil {
		t.Fatalf("NewResolutionSigner: %v", err)
	}

	q, err := f.svc.CreateQuestion(ctx, owner, "signed resolution test")
	if err != nil {
		t.Fatalf("CreateQuestion: %v", err)
	}
	if err := f.svc.AddTrustedSource(ctx, owner, q.Key, signer.Address()); err != nil {
		t.Fatalf("AddTrustedSource: %v", err)
	}

	sig, err := signer.Sign(q.Key, domain.OutcomeNo)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	resolver, err := f.svc.ResolveSigned(ctx, q.Key, domain.OutcomeNo, sig)
	if err != nil {
		t.Fatalf("ResolveSigned: %v", err)
	}
	if resolver != signer.Address() {
		t.Fatalf("resolver = %s, want %s", resolver, signer.Address())
	}

	t.Run("untrusted signer rejected", func(t *testing.T) {
		other, err := crypto.NewResolutionSigner("2a871d0798f97d79848a013d4936a73bf4cc922c825d33c1cf7073dff6d409c6")
		if err != nil {
			t.Fatalf("NewResolutionSigner: %v", err)
		}
		q2, err := f.svc.CreateQuestion(ctx, owner, "second signed question")
		if err != nil {
			t.Fatalf("CreateQuestion: %v", err)
		}
		sig, err := other.Sign(q2.Key, domain.OutcomeYes)
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		if _, err := f.svc.ResolveSigned(ctx, q2.Key, domain.OutcomeYes, sig); !errors.Is(err, domain.ErrUnauthorized) {
			t.Fatalf("want ErrUnauthorized, got %v", err)
		}
	})
}

func TestReplayRebuildsEngineAndEscrow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.vault.Credit(alice, big.NewInt(100))
	f.vault.Credit(bob, big.NewInt(100))

	q, err := f.svc.CreateQuestion(ctx, owner, "replay me")
	if err != nil {
		t.Fatalf("CreateQuestion: %v", err)
	}
	if err := f.svc.AddMarketAdmin(ctx, owner, bob); err != nil {
		t.Fatalf("AddMarketAdmin: %v", err)
	}
	if err := f.svc.AddTrustedSource(ctx, owner, q.Key, oracle); err != nil {
		t.Fatalf("AddTrustedSource: %v", err)
	}
	if _, err := f.svc.PlaceBet(ctx, alice, q.Key, big.NewInt(30), big.NewInt(20), big.NewInt(50)); err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}
	if err := f.svc.Resolve(ctx, oracle, q.Key, domain.OutcomeYes); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// A fresh process: new engine, new vault, same journal.
	logger := slog.New(slog.DiscardHandler)
	vault2 := treasury.NewVault(logger)
	market2 := engine.NewMarket(owner, vault2, crypto.QuestionKey)
	svc2 := NewSettlementService(
		market2, f.questions, f.bets, f.payouts, f.roles, f.audit,
		f.cache, f.bus, f.locks, f.limiter, nil, logger,
	)

	if err := svc2.Replay(ctx, vault2); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if !market2.IsAdmin(bob) {
		t.Error("market admin lost across replay")
	}

	escrow, err := vault2.Escrow(ctx, q.Key)
	if err != nil {
		t.Fatalf("Escrow: %v", err)
	}
	if escrow.Int64() != 50 {
		t.Fatalf("restored escrow = %s, want 50", escrow)
	}

	payout, err := svc2.Withdraw(ctx, alice, q.Key)
	if err != nil {
		t.Fatalf("Withdraw after replay: %v", err)
	}
	if payout.Amount.Int64() != 50 {
		t.Fatalf("payout after replay = %s, want 50", payout.Amount)
	}
}
