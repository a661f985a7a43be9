package engine

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/davencooke/predmarket/internal/domain"
)

var (
	owner   = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	alice   = common.HexToAddress("0x0000000000000000000000000000000000000b01")
	bob     = common.HexToAddress("0x0000000000000000000000000000000000000b02")
	carol   = common.HexToAddress("0x0000000000000000000000000000000000000b03")
	oracle  = common.HexToAddress("0x0000000000000000000000000000000000000c01")
	rando   = common.HexToAddress("0x0000000000000000000000000000000000000d01")
	admin2  = common.HexToAddress("0x0000000000000000000000000000000000000a02")
	keyFunc = func(phrase string) domain.QuestionKey { return crypto.Keccak256Hash([]byte(phrase)) }
)

// fakeTreasury records transfers and can be told to reject them.
type fakeTreasury struct {
	deposits    []*big.Int
	payouts     map[domain.Identity]*big.Int
	failDeposit bool
	failPayout  bool
}

func newFakeTreasury() *fakeTreasury {
	return &fakeTreasury{payouts: make(map[domain.Identity]*big.Int)}
}

func (t *fakeTreasury) Deposit(_ context.Context, _ domain.QuestionKey, _ domain.Identity, amount *big.Int) error {
	if t.failDeposit {
		return domain.ErrTransferFailed
	}
	t.deposits = append(t.deposits, new(big.Int).Set(amount))
	return nil
}

func (t *fakeTreasury) Payout(_ context.Context, _ domain.QuestionKey, to domain.Identity, amount *big.Int) error {
	if t.failPayout {
		return domain.ErrTransferFailed
	}
	prev, ok := t.payouts[to]
	if !ok {
		prev = new(big.Int)
	}
	t.payouts[to] = new(big.Int).Add(prev, amount)
	return nil
}

func (t *fakeTreasury) Escrow(_ context.Context, _ domain.QuestionKey) (*big.Int, error) {
	total := new(big.Int)
	for _, d := range t.deposits {
		total.Add(total, d)
	}
	for _, p := range t.payouts {
		total.Sub(total, p)
	}
	return total, nil
}

func ether(n int64, tenths int64) *big.Int {
	wei := new(big.Int).Mul(big.NewInt(n*10+tenths), big.NewInt(1e17))
	return wei
}

func newTestQuestion(t *testing.T) (*Market, *Question, *fakeTreasury) {
	t.Helper()
	tr := newFakeTreasury()
	m := NewMarket(owner, tr, keyFunc)
	q, err := m.CreateQuestion(owner, "will it rain tomorrow")
	if err != nil {
		t.Fatalf("CreateQuestion: %v", err)
	}
	return m, q, tr
}

func TestCreateQuestion(t *testing.T) {
	tr := newFakeTreasury()
	m := NewMarket(owner, tr, keyFunc)

	t.Run("non-admin rejected", func(t *testing.T) {
		if _, err := m.CreateQuestion(rando, "anything"); !errors.Is(err, domain.ErrUnauthorized) {
			t.Fatalf("want ErrUnauthorized, got %v", err)
		}
	})

	t.Run("duplicate phrase rejected", func(t *testing.T) {
		if _, err := m.CreateQuestion(owner, "btc above 100k"); err != nil {
			t.Fatalf("first create: %v", err)
		}
		if _, err := m.CreateQuestion(owner, "btc above 100k"); !errors.Is(err, domain.ErrAlreadyExists) {
			t.Fatalf("want ErrAlreadyExists, got %v", err)
		}
	})

	t.Run("market admins inherited at creation only", func(t *testing.T) {
		before, err := m.CreateQuestion(owner, "before grant")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := m.AddAdmin(owner, admin2); err != nil {
			t.Fatalf("AddAdmin: %v", err)
		}
		after, err := m.CreateQuestion(owner, "after grant")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if before.IsAdmin(admin2) {
			t.Error("pre-existing question picked up a later market grant")
		}
		if !after.IsAdmin(admin2) {
			t.Error("new question did not inherit market admin")
		}
	})

	t.Run("lookup by phrase and key agree", func(t *testing.T) {
		q, err := m.CreateQuestion(owner, "eth flips btc")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		byPhrase, err := m.QuestionByPhrase("eth flips btc")
		if err != nil {
			t.Fatalf("QuestionByPhrase: %v", err)
		}
		if byPhrase.Key() != q.Key() {
			t.Fatalf("phrase lookup key %s != created key %s", byPhrase.Key(), q.Key())
		}
		if _, err := m.QuestionByPhrase("never created"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("want ErrNotFound, got %v", err)
		}
	})
}

func TestPlaceBet(t *testing.T) {
	ctx := context.Background()

	t.Run("pools track ledger sums", func(t *testing.T) {
		_, q, _ := newTestQuestion(t)
		if err := q.PlaceBet(ctx, alice, big.NewInt(30), big.NewInt(20), big.NewInt(50)); err != nil {
			t.Fatalf("PlaceBet: %v", err)
		}
		if err := q.PlaceBet(ctx, bob, big.NewInt(0), big.NewInt(70), big.NewInt(70)); err != nil {
			t.Fatalf("PlaceBet: %v", err)
		}
		snap := q.Snapshot()
		if snap.YesPool.Int64() != 30 || snap.NoPool.Int64() != 90 {
			t.Fatalf("pools = %s/%s, want 30/90", snap.YesPool, snap.NoPool)
		}
	})

	t.Run("repeat bets accumulate", func(t *testing.T) {
		_, q, _ := newTestQuestion(t)
		for i := 0; i < 3; i++ {
			if err := q.PlaceBet(ctx, alice, big.NewInt(10), big.NewInt(5), big.NewInt(15)); err != nil {
				t.Fatalf("PlaceBet %d: %v", i, err)
			}
		}
		b, err := q.Bet(alice)
		if err != nil {
			t.Fatalf("Bet: %v", err)
		}
		if b.YesAmount.Int64() != 30 || b.NoAmount.Int64() != 15 {
			t.Fatalf("ledger = %s/%s, want 30/15", b.YesAmount, b.NoAmount)
		}
	})

	t.Run("split must equal deposit", func(t *testing.T) {
		_, q, _ := newTestQuestion(t)
		err := q.PlaceBet(ctx, alice, big.NewInt(30), big.NewInt(20), big.NewInt(49))
		if !errors.Is(err, domain.ErrAmountMismatch) {
			t.Fatalf("want ErrAmountMismatch, got %v", err)
		}
		snap := q.Snapshot()
		if snap.YesPool.Sign() != 0 || snap.NoPool.Sign() != 0 {
			t.Fatalf("pools mutated on rejected bet: %s/%s", snap.YesPool, snap.NoPool)
		}
		if _, err := q.Bet(alice); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("ledger entry created on rejected bet: %v", err)
		}
	})

	t.Run("negative amounts rejected", func(t *testing.T) {
		_, q, _ := newTestQuestion(t)
		err := q.PlaceBet(ctx, alice, big.NewInt(-5), big.NewInt(5), big.NewInt(0))
		if !errors.Is(err, domain.ErrAmountMismatch) {
			t.Fatalf("want ErrAmountMismatch, got %v", err)
		}
	})

	t.Run("failed deposit leaves no partial effect", func(t *testing.T) {
		_, q, tr := newTestQuestion(t)
		tr.failDeposit = true
		err := q.PlaceBet(ctx, alice, big.NewInt(10), big.NewInt(0), big.NewInt(10))
		if !errors.Is(err, domain.ErrTransferFailed) {
			t.Fatalf("want ErrTransferFailed, got %v", err)
		}
		if snap := q.Snapshot(); snap.YesPool.Sign() != 0 {
			t.Fatalf("pool mutated after failed deposit: %s", snap.YesPool)
		}
	})
}

func TestPauseUnpause(t *testing.T) {
	ctx := context.Background()
	_, q, _ := newTestQuestion(t)

	if err := q.Pause(rando); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("non-admin pause: want ErrUnauthorized, got %v", err)
	}
	if err := q.Pause(owner); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := q.Pause(owner); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("double pause: want ErrInvalidTransition, got %v", err)
	}
	if err := q.PlaceBet(ctx, alice, big.NewInt(1), big.NewInt(0), big.NewInt(1)); !errors.Is(err, domain.ErrMarketClosed) {
		t.Fatalf("bet while paused: want ErrMarketClosed, got %v", err)
	}
	if err := q.Unpause(rando); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("non-admin unpause: want ErrUnauthorized, got %v", err)
	}
	if err := q.Unpause(owner); err != nil {
		t.Fatalf("Unpause: %v", err)
	}
	if err := q.Unpause(owner); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("unpause from open: want ErrInvalidTransition, got %v", err)
	}
	if err := q.PlaceBet(ctx, alice, big.NewInt(1), big.NewInt(0), big.NewInt(1)); err != nil {
		t.Fatalf("bet after unpause: %v", err)
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	_, q, _ := newTestQuestion(t)
	if err := q.AddTrustedSource(owner, oracle); err != nil {
		t.Fatalf("AddTrustedSource: %v", err)
	}

	if err := q.Resolve(rando, domain.OutcomeYes); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("untrusted resolve: want ErrUnauthorized, got %v", err)
	}
	// Admins are not automatically trusted sources.
	if err := q.Resolve(owner, domain.OutcomeYes); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("admin resolve without trust: want ErrUnauthorized, got %v", err)
	}
	if err := q.Resolve(oracle, domain.Outcome("maybe")); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("bad outcome: want ErrInvalidTransition, got %v", err)
	}
	if err := q.Resolve(oracle, domain.OutcomeYes); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := q.Resolve(oracle, domain.OutcomeNo); !errors.Is(err, domain.ErrAlreadyResolved) {
		t.Fatalf("second resolve: want ErrAlreadyResolved, got %v", err)
	}
	if err := q.PlaceBet(ctx, alice, big.NewInt(1), big.NewInt(0), big.NewInt(1)); !errors.Is(err, domain.ErrMarketClosed) {
		t.Fatalf("bet after resolve: want ErrMarketClosed, got %v", err)
	}
	if err := q.Pause(owner); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("pause after resolve: want ErrInvalidTransition, got %v", err)
	}
}

func TestWithdraw(t *testing.T) {
	ctx := context.Background()

	stake := func(t *testing.T, q *Question, id domain.Identity, yes, no *big.Int) {
		t.Helper()
		if err := q.PlaceBet(ctx, id, yes, no, new(big.Int).Add(yes, no)); err != nil {
			t.Fatalf("PlaceBet: %v", err)
		}
	}

	t.Run("whole pool redistributed proportionally", func(t *testing.T) {
		_, q, tr := newTestQuestion(t)
		if err := q.AddTrustedSource(owner, oracle); err != nil {
			t.Fatalf("AddTrustedSource: %v", err)
		}
		// yes pool 4.5, no pool 4.2, total 8.7 ether-equivalent
		stake(t, q, alice, ether(1, 5), ether(1, 0))
		stake(t, q, bob, ether(0, 0), ether(2, 2))
		stake(t, q, carol, ether(3, 0), ether(1, 0))

		if err := q.Resolve(oracle, domain.OutcomeYes); err != nil {
			t.Fatalf("Resolve: %v", err)
		}

		got, err := q.Withdraw(ctx, alice)
		if err != nil {
			t.Fatalf("alice Withdraw: %v", err)
		}
		if want := ether(2, 9); got.Cmp(want) != 0 {
			t.Errorf("alice payout = %s, want %s", got, want)
		}

		got, err = q.Withdraw(ctx, bob)
		if err != nil {
			t.Fatalf("bob Withdraw: %v", err)
		}
		if got.Sign() != 0 {
			t.Errorf("bob (no winning stake) payout = %s, want 0", got)
		}

		got, err = q.Withdraw(ctx, carol)
		if err != nil {
			t.Fatalf("carol Withdraw: %v", err)
		}
		if want := ether(5, 8); got.Cmp(want) != 0 {
			t.Errorf("carol payout = %s, want %s", got, want)
		}

		// Conservation: paid out exactly the pool in this example, no dust.
		escrow, err := tr.Escrow(ctx, q.Key())
		if err != nil {
			t.Fatalf("Escrow: %v", err)
		}
		if escrow.Sign() != 0 {
			t.Errorf("escrow after full withdrawal = %s, want 0", escrow)
		}
		if !q.FullyWithdrawn() {
			t.Error("FullyWithdrawn = false after all withdrawals")
		}
	})

	t.Run("floor division leaves dust in escrow", func(t *testing.T) {
		_, q, tr := newTestQuestion(t)
		if err := q.AddTrustedSource(owner, oracle); err != nil {
			t.Fatalf("AddTrustedSource: %v", err)
		}
		// total 10, winning pool 3: floor(1*10/3)+floor(2*10/3) = 3+6 = 9
		stake(t, q, alice, big.NewInt(1), big.NewInt(0))
		stake(t, q, bob, big.NewInt(2), big.NewInt(0))
		stake(t, q, carol, big.NewInt(0), big.NewInt(7))
		if err := q.Resolve(oracle, domain.OutcomeYes); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		for _, id := range []domain.Identity{alice, bob, carol} {
			if _, err := q.Withdraw(ctx, id); err != nil {
				t.Fatalf("Withdraw %s: %v", id, err)
			}
		}
		escrow, err := tr.Escrow(ctx, q.Key())
		if err != nil {
			t.Fatalf("Escrow: %v", err)
		}
		if escrow.Int64() != 1 {
			t.Errorf("dust in escrow = %s, want 1", escrow)
		}
	})

	t.Run("before resolution", func(t *testing.T) {
		_, q, _ := newTestQuestion(t)
		stake(t, q, alice, big.NewInt(5), big.NewInt(0))
		if _, err := q.Withdraw(ctx, alice); !errors.Is(err, domain.ErrNotResolved) {
			t.Fatalf("want ErrNotResolved, got %v", err)
		}
	})

	t.Run("no ledger entry", func(t *testing.T) {
		_, q, _ := newTestQuestion(t)
		if err := q.AddTrustedSource(owner, oracle); err != nil {
			t.Fatalf("AddTrustedSource: %v", err)
		}
		stake(t, q, alice, big.NewInt(5), big.NewInt(0))
		if err := q.Resolve(oracle, domain.OutcomeYes); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if _, err := q.Withdraw(ctx, rando); !errors.Is(err, domain.ErrNothingToWithdraw) {
			t.Fatalf("want ErrNothingToWithdraw, got %v", err)
		}
	})

	t.Run("second withdrawal rejected", func(t *testing.T) {
		_, q, tr := newTestQuestion(t)
		if err := q.AddTrustedSource(owner, oracle); err != nil {
			t.Fatalf("AddTrustedSource: %v", err)
		}
		stake(t, q, alice, big.NewInt(5), big.NewInt(0))
		stake(t, q, bob, big.NewInt(0), big.NewInt(5))
		if err := q.Resolve(oracle, domain.OutcomeYes); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		first, err := q.Withdraw(ctx, alice)
		if err != nil {
			t.Fatalf("first Withdraw: %v", err)
		}
		if first.Int64() != 10 {
			t.Fatalf("first payout = %s, want 10", first)
		}
		if _, err := q.Withdraw(ctx, alice); !errors.Is(err, domain.ErrAlreadyWithdrawn) {
			t.Fatalf("want ErrAlreadyWithdrawn, got %v", err)
		}
		if tr.payouts[alice].Int64() != 10 {
			t.Fatalf("treasury paid %s total, want 10", tr.payouts[alice])
		}
	})

	t.Run("transfer failure rolls back the withdrawn flag", func(t *testing.T) {
		_, q, tr := newTestQuestion(t)
		if err := q.AddTrustedSource(owner, oracle); err != nil {
			t.Fatalf("AddTrustedSource: %v", err)
		}
		stake(t, q, alice, big.NewInt(5), big.NewInt(0))
		stake(t, q, bob, big.NewInt(0), big.NewInt(5))
		if err := q.Resolve(oracle, domain.OutcomeYes); err != nil {
			t.Fatalf("Resolve: %v", err)
		}

		tr.failPayout = true
		if _, err := q.Withdraw(ctx, alice); !errors.Is(err, domain.ErrTransferFailed) {
			t.Fatalf("want ErrTransferFailed, got %v", err)
		}
		b, err := q.Bet(alice)
		if err != nil {
			t.Fatalf("Bet: %v", err)
		}
		if b.Withdrawn {
			t.Fatal("withdrawn flag stuck after failed transfer")
		}

		tr.failPayout = false
		got, err := q.Withdraw(ctx, alice)
		if err != nil {
			t.Fatalf("retry Withdraw: %v", err)
		}
		if got.Int64() != 10 {
			t.Fatalf("retry payout = %s, want 10", got)
		}
	})

	t.Run("no outcome wins with empty winning pool", func(t *testing.T) {
		_, q, _ := newTestQuestion(t)
		if err := q.AddTrustedSource(owner, oracle); err != nil {
			t.Fatalf("AddTrustedSource: %v", err)
		}
		stake(t, q, alice, big.NewInt(5), big.NewInt(0))
		if err := q.Resolve(oracle, domain.OutcomeNo); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		got, err := q.Withdraw(ctx, alice)
		if err != nil {
			t.Fatalf("Withdraw: %v", err)
		}
		if got.Sign() != 0 {
			t.Fatalf("payout with empty winning pool = %s, want 0", got)
		}
	})
}

func TestAccessControl(t *testing.T) {
	_, q, _ := newTestQuestion(t)

	if err := q.AddAdmin(rando, rando); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("self-grant: want ErrUnauthorized, got %v", err)
	}
	if err := q.AddAdmin(owner, admin2); err != nil {
		t.Fatalf("AddAdmin: %v", err)
	}
	// Idempotent regrant.
	if err := q.AddAdmin(owner, admin2); err != nil {
		t.Fatalf("regrant: %v", err)
	}
	if !q.IsAdmin(admin2) {
		t.Fatal("granted admin not recognized")
	}
	// New admins can grant further.
	if err := q.AddAdmin(admin2, rando); err != nil {
		t.Fatalf("grant by new admin: %v", err)
	}
	if err := q.AddTrustedSource(carol, oracle); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("non-admin AddTrustedSource: want ErrUnauthorized, got %v", err)
	}
	if err := q.AddTrustedSource(admin2, oracle); err != nil {
		t.Fatalf("AddTrustedSource by granted admin: %v", err)
	}
	if !q.IsTrustedSource(oracle) {
		t.Fatal("trusted source not recognized")
	}
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTreasury()
	m := NewMarket(owner, tr, keyFunc)
	q, err := m.CreateQuestion(owner, "restore me")
	if err != nil {
		t.Fatalf("CreateQuestion: %v", err)
	}
	if err := q.AddTrustedSource(owner, oracle); err != nil {
		t.Fatalf("AddTrustedSource: %v", err)
	}
	if err := q.PlaceBet(ctx, alice, big.NewInt(7), big.NewInt(3), big.NewInt(10)); err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}
	if err := q.Resolve(oracle, domain.OutcomeYes); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	restored := []RestoredQuestion{{
		Question: q.Snapshot(),
		Bets:     q.Ledger(),
		Admins:   q.Admins(),
		Trusted:  q.TrustedSources(),
	}}

	m2 := NewMarket(owner, tr, keyFunc)
	if err := m2.Restore(restored); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	q2, err := m2.Question(q.Key())
	if err != nil {
		t.Fatalf("Question after restore: %v", err)
	}
	snap := q2.Snapshot()
	if snap.State != domain.QuestionAnswered || snap.Answer != domain.OutcomeYes {
		t.Fatalf("restored state/answer = %s/%s", snap.State, snap.Answer)
	}
	if !q2.IsTrustedSource(oracle) {
		t.Error("trusted source lost across restore")
	}
	got, err := q2.Withdraw(ctx, alice)
	if err != nil {
		t.Fatalf("Withdraw after restore: %v", err)
	}
	if got.Int64() != 10 {
		t.Fatalf("payout after restore = %s, want 10", got)
	}

	t.Run("corrupt journal rejected", func(t *testing.T) {
		bad := restored[0]
		bad.Question.YesPool = big.NewInt(999)
		m3 := NewMarket(owner, tr, keyFunc)
		if err := m3.Restore([]RestoredQuestion{bad}); err == nil {
			t.Fatal("Restore accepted mismatched pools")
		}
	})
}

func TestProportionalPayout(t *testing.T) {
	cases := []struct {
		name                        string
		stake, winning, total, want int64
	}{
		{"even split", 5, 10, 20, 10},
		{"floor", 1, 3, 10, 3},
		{"zero stake", 0, 10, 20, 0},
		{"empty winning pool", 5, 0, 20, 0},
		{"sole winner takes all", 7, 7, 30, 30},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := proportionalPayout(big.NewInt(tc.stake), big.NewInt(tc.winning), big.NewInt(tc.total))
			if got.Int64() != tc.want {
				t.Errorf("proportionalPayout(%d, %d, %d) = %s, want %d", tc.stake, tc.winning, tc.total, got, tc.want)
			}
		})
	}
}
