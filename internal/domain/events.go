package domain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"
)

// Pub/sub channels carrying market lifecycle events.
const (
	ChannelQuestions = "questions"
	ChannelBets      = "bets"
	ChannelPayouts   = "payouts"
)

// Event types published on the signal bus and forwarded to notifiers.
const (
	EventQuestionCreated  = "question_created"
	EventQuestionPaused   = "question_paused"
	EventQuestionUnpaused = "question_unpaused"
	EventQuestionResolved = "question_resolved"
	EventBetPlaced        = "bet_placed"
	EventPayoutSent       = "payout_sent"
	EventError            = "error"
)

// MarketEvent is the envelope published on the signal bus for every
// state-mutating operation.
type MarketEvent struct {
	Type        string      `json:"type"`
	QuestionKey QuestionKey `json:"question_key"`
	Phrase      string      `json:"phrase,omitempty"`
	Caller      Identity    `json:"caller"`
	Outcome     Outcome     `json:"outcome,omitempty"`
	Amount      *big.Int    `json:"amount,omitempty"`
	At          time.Time   `json:"at"`
}

// DecodeMarketEvent parses a bus payload back into a MarketEvent.
func DecodeMarketEvent(data []byte) (MarketEvent, error) {
	var evt MarketEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return MarketEvent{}, fmt.Errorf("domain: decode market event: %w", err)
	}
	return evt, nil
}
