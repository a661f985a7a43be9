package treasury

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/davencooke/predmarket/internal/domain"
)

func TestVaultDepositPayout(t *testing.T) {
	ctx := context.Background()
	v := NewVault(nil)
	alice := common.HexToAddress("0x01")
	bob := common.HexToAddress("0x02")
	key := crypto.Keccak256Hash([]byte("q"))

	v.Credit(alice, big.NewInt(100))

	if err := v.Deposit(ctx, key, alice, big.NewInt(60)); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if got := v.Balance(alice); got.Int64() != 40 {
		t.Fatalf("balance after deposit = %s, want 40", got)
	}
	escrow, err := v.Escrow(ctx, key)
	if err != nil {
		t.Fatalf("Escrow: %v", err)
	}
	if escrow.Int64() != 60 {
		t.Fatalf("escrow = %s, want 60", escrow)
	}

	if err := v.Payout(ctx, key, bob, big.NewInt(50)); err != nil {
		t.Fatalf("Payout: %v", err)
	}
	if got := v.Balance(bob); got.Int64() != 50 {
		t.Fatalf("bob balance = %s, want 50", got)
	}

	t.Run("overdraft deposit", func(t *testing.T) {
		err := v.Deposit(ctx, key, alice, big.NewInt(1000))
		if !errors.Is(err, domain.ErrTransferFailed) {
			t.Fatalf("want ErrTransferFailed, got %v", err)
		}
		if got := v.Balance(alice); got.Int64() != 40 {
			t.Fatalf("balance changed on failed deposit: %s", got)
		}
	})

	t.Run("payout beyond escrow", func(t *testing.T) {
		err := v.Payout(ctx, key, bob, big.NewInt(11))
		if !errors.Is(err, domain.ErrTransferFailed) {
			t.Fatalf("want ErrTransferFailed, got %v", err)
		}
		escrow, err := v.Escrow(ctx, key)
		if err != nil {
			t.Fatalf("Escrow: %v", err)
		}
		if escrow.Int64() != 10 {
			t.Fatalf("escrow changed on failed payout: %s", escrow)
		}
	})

	t.Run("zero amounts are no-ops", func(t *testing.T) {
		if err := v.Deposit(ctx, key, alice, big.NewInt(0)); err != nil {
			t.Fatalf("zero deposit: %v", err)
		}
		if err := v.Payout(ctx, key, bob, big.NewInt(0)); err != nil {
			t.Fatalf("zero payout: %v", err)
		}
	})
}
