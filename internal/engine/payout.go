package engine

import "math/big"

// proportionalPayout computes a winner's share of the total pool:
//
//	floor(stake * (winningPool + losingPool) / winningPool)
//
// The losing side's stake is redistributed among winners in proportion to
// their winning stake; this is a whole-pool redistribution, not fixed odds.
// Floor division leaves dust in escrow; it is never reclaimed.
func proportionalPayout(stake, winningPool, totalPool *big.Int) *big.Int {
	if stake.Sign() == 0 || winningPool.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(stake, totalPool)
	return out.Quo(out, winningPool)
}
