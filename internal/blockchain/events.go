package blockchain

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

type EventKind string

const (
	EventDeposit     EventKind = "Deposit"
	EventWithdraw    EventKind = "Withdraw"
	EventLoanCreated EventKind = "LoanCreated"
	EventLoanRepaid  EventKind = "LoanRepaid"
)

var (
	topicDeposit     = eventTopic("Deposit(address,address,uint256)")
	topicWithdraw    = eventTopic("Withdraw(address,address,uint256)")
	topicLoanCreated = eventTopic("LoanCreated(address,address,uint256)")
	topicLoanRepaid  = eventTopic("LoanRepaid(address,address,uint256)")
)

// Event is a decoded ledger-affecting contract log.
type Event struct {
	Kind            EventKind
	User            string
	Token           string
	Amount          decimal.Decimal
	BlockNumber     uint64
	TransactionHash string
	LogIndex        uint64
	Timestamp       int64
}

// EventReader fetches and decodes the pool contract's ledger-affecting events.
type EventReader struct {
	client       *FailoverClient
	contractAddr string
	decimals     int32
}

func NewEventReader(client *FailoverClient, contractAddr string, decimals int32) *EventReader {
	if decimals <= 0 {
		decimals = 18
	}
	return &EventReader{
		client:       client,
		contractAddr: strings.ToLower(strings.TrimSpace(contractAddr)),
		decimals:     decimals,
	}
}

func (r *EventReader) BlockNumber(ctx context.Context) (uint64, error) {
	return r.client.BlockNumber(ctx)
}

// Events returns all decoded events in [fromBlock, toBlock]. Removed
// (reorged-out) logs and unknown topics are skipped.
func (r *EventReader) Events(ctx context.Context, fromBlock, toBlock uint64) ([]Event, error) {
	logs, err := r.client.GetLogs(ctx, LogFilter{
		FromBlock: fromBlock,
		ToBlock:   toBlock,
		Address:   r.contractAddr,
		Topics:    [][]string{{topicDeposit, topicWithdraw, topicLoanCreated, topicLoanRepaid}},
	})
	if err != nil {
		return nil, err
	}

	out := make([]Event, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ev, ok := r.decode(lg)
		if !ok {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// UserEvents returns the decoded events for a single user address, used by
// the scoring engine. The user is the first indexed topic on every event.
func (r *EventReader) UserEvents(ctx context.Context, userAddr string, fromBlock, toBlock uint64) ([]Event, error) {
	userTopic := "0x" + addressWord(userAddr)
	logs, err := r.client.GetLogs(ctx, LogFilter{
		FromBlock: fromBlock,
		ToBlock:   toBlock,
		Address:   r.contractAddr,
		Topics: [][]string{
			{topicDeposit, topicWithdraw, topicLoanCreated, topicLoanRepaid},
			{userTopic},
		},
	})
	if err != nil {
		return nil, err
	}

	out := make([]Event, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ev, ok := r.decode(lg)
		if !ok {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (r *EventReader) decode(log LogEntry) (Event, bool) {
	if len(log.Topics) < 3 {
		return Event{}, false
	}

	var kind EventKind
	switch strings.ToLower(log.Topics[0]) {
	case strings.ToLower(topicDeposit):
		kind = EventDeposit
	case strings.ToLower(topicWithdraw):
		kind = EventWithdraw
	case strings.ToLower(topicLoanCreated):
		kind = EventLoanCreated
	case strings.ToLower(topicLoanRepaid):
		kind = EventLoanRepaid
	default:
		return Event{}, false
	}

	words := abiWords(log.Data)
	amount := decimal.Zero
	var ts int64
	if len(words) >= 1 {
		amount = wordToAmount(words[0], r.decimals)
	}
	if len(words) >= 2 {
		ts = wordToInt64(words[1])
	}

	return Event{
		Kind:            kind,
		User:            topicToAddress(log.Topics[1]),
		Token:           topicToAddress(log.Topics[2]),
		Amount:          amount,
		BlockNumber:     log.BlockNumber,
		TransactionHash: strings.ToLower(log.TransactionHash),
		LogIndex:        log.LogIndex,
		Timestamp:       ts,
	}, true
}

// topicToAddress extracts the low 20 bytes of an indexed address topic.
func topicToAddress(topic string) string {
	clean := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(topic)), "0x")
	if len(clean) < 40 {
		return "0x" + clean
	}
	return "0x" + clean[len(clean)-40:]
}
