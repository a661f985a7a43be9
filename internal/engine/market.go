package engine

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/davencooke/predmarket/internal/domain"
)

// Market is the registry of questions, keyed by phrase hash. It carries its
// own market-level access list; market admins are copied onto each question
// at creation time, so later market-level grants never retroactively touch
// existing questions.
type Market struct {
	mu        sync.RWMutex
	questions map[domain.QuestionKey]*Question

	acl      *accessList
	treasury domain.Treasury
	keyFn    func(phrase string) domain.QuestionKey
}

// NewMarket builds an empty registry owned by owner. keyFn derives the
// lookup key from a phrase and must be deterministic.
func NewMarket(owner domain.Identity, treasury domain.Treasury, keyFn func(string) domain.QuestionKey) *Market {
	return &Market{
		questions: make(map[domain.QuestionKey]*Question),
		acl:       newAccessList(owner),
		treasury:  treasury,
		keyFn:     keyFn,
	}
}

// AddAdmin grants market-level admin status. Admin-gated, idempotent.
// Existing questions are unaffected.
func (m *Market) AddAdmin(caller, id domain.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.acl.addAdmin(caller, id); err != nil {
		return fmt.Errorf("engine: market add admin: %w", err)
	}
	return nil
}

// IsAdmin reports whether id is a market-level admin.
func (m *Market) IsAdmin(id domain.Identity) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.acl.isAdmin(id)
}

// Admins returns the market-level admin set.
func (m *Market) Admins() []domain.Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.acl.list()
}

// CreateQuestion registers a new question under the hash of phrase. Only
// market admins may create. The caller becomes the question's owner, and
// every current market admin is copied onto the question's admin set. A
// second question with the same phrase is rejected.
func (m *Market) CreateQuestion(caller domain.Identity, phrase string) (*Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.acl.isAdmin(caller) {
		return nil, fmt.Errorf("engine: create question: %w", domain.ErrUnauthorized)
	}
	key := m.keyFn(phrase)
	if _, ok := m.questions[key]; ok {
		return nil, fmt.Errorf("engine: create question %q: %w", phrase, domain.ErrAlreadyExists)
	}

	q := newQuestion(key, phrase, caller, caller, m.treasury, time.Now().UTC())
	for id := range m.acl.admins {
		q.acl.admins[id] = struct{}{}
	}
	m.questions[key] = q
	return q, nil
}

// Question looks up a question by key.
func (m *Market) Question(key domain.QuestionKey) (*Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.questions[key]
	if !ok {
		return nil, fmt.Errorf("engine: question %s: %w", key, domain.ErrNotFound)
	}
	return q, nil
}

// QuestionByPhrase looks up a question by its phrase.
func (m *Market) QuestionByPhrase(phrase string) (*Question, error) {
	return m.Question(m.keyFn(phrase))
}

// Key derives the lookup key for a phrase without touching the registry.
func (m *Market) Key(phrase string) domain.QuestionKey {
	return m.keyFn(phrase)
}

// Questions returns every registered question, ordered by creation time then
// key for a stable listing.
func (m *Market) Questions() []*Question {
	m.mu.RLock()
	out := make([]*Question, 0, len(m.questions))
	for _, q := range m.questions {
		out = append(out, q)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].createdAt.Before(out[j].createdAt)
		}
		return out[i].key.Hex() < out[j].key.Hex()
	})
	return out
}

// Len returns the number of registered questions.
func (m *Market) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.questions)
}

// RestoreAdmins re-seeds the market-level admin set from journaled grants.
// The owner stays an admin regardless.
func (m *Market) RestoreAdmins(ids []domain.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.acl.admins[id] = struct{}{}
	}
}

// RestoredQuestion is the journaled material needed to rebuild one question.
type RestoredQuestion struct {
	Question domain.Question
	Bets     []domain.Bet
	Admins   []domain.Identity
	Trusted  []domain.Identity
}

// Restore rebuilds the registry from journaled state. Each question's pools
// must equal the sum of its ledger entries; a mismatch means the journal is
// corrupt and the restore is aborted.
func (m *Market) Restore(restored []RestoredQuestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range restored {
		yesSum, noSum := new(big.Int), new(big.Int)
		for _, b := range r.Bets {
			yesSum.Add(yesSum, b.YesAmount)
			noSum.Add(noSum, b.NoAmount)
		}
		if yesSum.Cmp(r.Question.YesPool) != 0 || noSum.Cmp(r.Question.NoPool) != 0 {
			return fmt.Errorf("engine: restore %s: ledger sums %s/%s do not match pools %s/%s",
				r.Question.Key, yesSum, noSum, r.Question.YesPool, r.Question.NoPool)
		}

		q := newQuestion(r.Question.Key, r.Question.Phrase, r.Question.CreatedBy, r.Question.CreatedBy, m.treasury, r.Question.CreatedAt)
		q.state = r.Question.State
		q.answer = r.Question.Answer
		q.yesPool = new(big.Int).Set(r.Question.YesPool)
		q.noPool = new(big.Int).Set(r.Question.NoPool)
		q.updatedAt = r.Question.UpdatedAt
		for _, b := range r.Bets {
			q.ledger[b.Bettor] = &bet{
				yes:       new(big.Int).Set(b.YesAmount),
				no:        new(big.Int).Set(b.NoAmount),
				withdrawn: b.Withdrawn,
			}
		}
		for _, id := range r.Admins {
			q.acl.admins[id] = struct{}{}
		}
		for _, id := range r.Trusted {
			q.trusted[id] = struct{}{}
		}
		m.questions[q.key] = q
	}
	return nil
}
