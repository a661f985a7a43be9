package notify

import (
	"fmt"

	"github.com/davencooke/predmarket/internal/domain"
)

// FormatEvent renders a market event as a notification title and message.
// Used by modes that relay the signal bus straight to operators.
func FormatEvent(evt domain.MarketEvent) (title, message string) {
	key := evt.QuestionKey.Hex()

	switch evt.Type {
	case domain.EventQuestionCreated:
		return "Question created",
			fmt.Sprintf("%s opened question %s: %q", evt.Caller.Hex(), key, evt.Phrase)
	case domain.EventQuestionPaused:
		return "Question paused",
			fmt.Sprintf("%s paused question %s", evt.Caller.Hex(), key)
	case domain.EventQuestionUnpaused:
		return "Question unpaused",
			fmt.Sprintf("%s reopened question %s", evt.Caller.Hex(), key)
	case domain.EventQuestionResolved:
		return "Question resolved",
			fmt.Sprintf("question %s resolved %s by %s", key, evt.Outcome, evt.Caller.Hex())
	case domain.EventBetPlaced:
		return "Bet placed",
			fmt.Sprintf("%s staked %s on question %s", evt.Caller.Hex(), evt.Amount, key)
	case domain.EventPayoutSent:
		return "Payout sent",
			fmt.Sprintf("%s withdrew %s from question %s", evt.Caller.Hex(), evt.Amount, key)
	default:
		return evt.Type, fmt.Sprintf("question %s, caller %s", key, evt.Caller.Hex())
	}
}
