package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Identity is the opaque principal behind every operation. Callers are
// always passed explicitly; nothing in the engine reads ambient identity.
type Identity = common.Address

// QuestionKey is the lookup key of a market: the Keccak-256 hash of the
// question phrase's UTF-8 bytes.
type QuestionKey = common.Hash

// QuestionState represents the lifecycle state of a question.
type QuestionState string

const (
	QuestionOpen     QuestionState = "open"
	QuestionPaused   QuestionState = "paused"
	QuestionAnswered QuestionState = "answered"
)

// Outcome is the resolution of a binary question.
type Outcome string

const (
	OutcomeUnset Outcome = ""
	OutcomeYes   Outcome = "yes"
	OutcomeNo    Outcome = "no"
)

// Question is the journaled snapshot of a market. The authoritative copy
// lives in the engine; stores and caches carry this representation.
type Question struct {
	Key       QuestionKey   `json:"key"`
	Phrase    string        `json:"phrase"`
	State     QuestionState `json:"state"`
	Answer    Outcome       `json:"answer"`
	YesPool   *big.Int      `json:"yes_pool"`
	NoPool    *big.Int      `json:"no_pool"`
	CreatedBy Identity      `json:"created_by"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Bet is one participant's cumulative stake on a question, split across the
// two sides. YesAmount+NoAmount equals the total value the participant has
// deposited. Withdrawn flips to true exactly once, on successful payout.
type Bet struct {
	QuestionKey QuestionKey `json:"question_key"`
	Bettor      Identity    `json:"bettor"`
	YesAmount   *big.Int    `json:"yes_amount"`
	NoAmount    *big.Int    `json:"no_amount"`
	Withdrawn   bool        `json:"withdrawn"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Payout records a completed withdrawal.
type Payout struct {
	ID          string      `json:"id"`
	QuestionKey QuestionKey `json:"question_key"`
	Bettor      Identity    `json:"bettor"`
	Amount      *big.Int    `json:"amount"`
	CreatedAt   time.Time   `json:"created_at"`
}
