package event

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"PerpRisk/internal/ledger"
	"PerpRisk/internal/market"
)

// Intent is the wire form of an envelope as published to NATS and stored in
// the intent log. Amounts are decimal strings; accounts are resolved paths.
type Intent struct {
	Sequence  uint64          `json:"sequence"`
	Operation string          `json:"operation"`
	EventType string          `json:"event_type"`
	RequestID string          `json:"request_id,omitempty"`
	Requester string          `json:"requester,omitempty"`
	Market    string          `json:"market,omitempty"`
	Owner     string          `json:"owner,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	StateHash string          `json:"state_hash"`
	PrevHash  string          `json:"prev_hash"`
	Payload   json.RawMessage `json:"payload"`
	BatchID   string          `json:"batch_id,omitempty"`
	Journals  []IntentJournal `json:"journals,omitempty"`
}

// IntentJournal is one custody instruction: move Amount from Credit to Debit.
type IntentJournal struct {
	JournalID  string `json:"journal_id"`
	Type       string `json:"type"`
	Debit      string `json:"debit"`
	Credit     string `json:"credit"`
	Asset      string `json:"asset"`
	Amount     string `json:"amount"`
	Market     string `json:"market,omitempty"`
	PositionID string `json:"position_id,omitempty"`
}

// Names resolves interned ids for the wire.
type Names interface {
	ledger.AssetNamer
	MarketName(market.MarketID) string
}

// Operation returns the request operation an envelope belongs to. It matches
// the operation names used for request idempotency.
func Operation(env *EventEnvelope) string {
	if env.Batch != nil && env.Batch.Operation != "" {
		op, _, _ := strings.Cut(env.Batch.Operation, "_")
		return op
	}
	switch env.EventType {
	case EventTypePositionOpened:
		return "open"
	case EventTypePositionModified:
		return "modify"
	case EventTypePositionClosed:
		return "close"
	case EventTypeCollateralDeposited:
		return "deposit"
	case EventTypeCollateralWithdrawn:
		return "withdraw"
	case EventTypeLiquidationExecuted, EventTypeDeleverageRaised:
		return "liquidate"
	case EventTypeDeleverageExecuted:
		return "deleverage"
	case EventTypeInsuranceFunded:
		return "insurance"
	case EventTypeFundingRecorded, EventTypeFundingApplied:
		return "funding"
	case EventTypeCircuitTripped, EventTypeCircuitReset:
		return "circuit"
	default:
		return "unknown"
	}
}

// NewIntent converts env to its wire form.
func NewIntent(env *EventEnvelope, names Names) (*Intent, error) {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", env.EventType, err)
	}
	in := &Intent{
		Sequence:  env.Sequence,
		Operation: Operation(env),
		EventType: env.EventType.String(),
		RequestID: env.RequestID,
		Timestamp: env.Timestamp,
		StateHash: hex.EncodeToString(env.StateHash[:]),
		PrevHash:  hex.EncodeToString(env.PrevHash[:]),
		Payload:   payload,
	}
	if env.MarketID != 0 {
		in.Market = names.MarketName(env.MarketID)
	}
	if env.Owner != uuid.Nil {
		in.Owner = env.Owner.String()
	}
	if env.Requester != uuid.Nil {
		in.Requester = env.Requester.String()
	}
	if env.Batch == nil {
		return in, nil
	}

	in.BatchID = env.Batch.BatchID.String()
	in.Journals = make([]IntentJournal, 0, len(env.Batch.Journals))
	for _, j := range env.Batch.Journals {
		ij := IntentJournal{
			JournalID: j.JournalID.String(),
			Type:      j.JournalType.String(),
			Debit:     j.DebitAccount.AccountPath(names),
			Credit:    j.CreditAccount.AccountPath(names),
			Asset:     names.AssetName(j.AssetID),
			Amount:    j.Amount.String(),
		}
		if j.Market != 0 {
			ij.Market = names.MarketName(j.Market)
		}
		if j.PositionID != uuid.Nil {
			ij.PositionID = j.PositionID.String()
		}
		in.Journals = append(in.Journals, ij)
	}
	return in, nil
}
