// Package ledger defines the contract of the wallet/ledger collaborator the
// attestation bot depends on, plus an HTTP client for a headless wallet
// gateway that implements it.
//
// The bot never signs or composes transactions itself. It asks the ledger to
// issue receiving addresses, to compose and broadcast attestation and payment
// transactions, to read balances, and to resolve incoming payment details for
// the transaction ids delivered by the event feed.
package ledger

import (
	"context"
	"errors"
)

// ErrSyncing is returned by fund-moving calls while the node is catching up.
var ErrSyncing = errors.New("ledger is syncing")

// Message is one application message of a composed transaction.
type Message struct {
	App             string `json:"app"`
	PayloadLocation string `json:"payload_location"`
	PayloadHash     string `json:"payload_hash"`
	Payload         any    `json:"payload"`
}

// Output is one payment output.
type Output struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

// Compose is a request to build, sign and broadcast a transaction.
type Compose struct {
	Messages        []Message `json:"messages"`
	PayingAddresses []string  `json:"paying_addresses"`
	Outputs         []Output  `json:"outputs"`
}

// Send is a plain payment request. With SendAll the whole balance of From
// goes to To and Amount is ignored.
type Send struct {
	From          []string `json:"paying_addresses"`
	To            string   `json:"to_address"`
	Amount        int64    `json:"amount,omitempty"`
	SendAll       bool     `json:"send_all,omitempty"`
	ChangeAddress string   `json:"change_address"`
}

// IncomingPayment is one output of an incoming transaction that landed on an
// address issued by IssueReceivingAddress. Asset is empty for the base
// currency.
type IncomingPayment struct {
	TxID             string   `json:"tx_id"`
	ReceivingAddress string   `json:"receiving_address"`
	Amount           int64    `json:"amount"`
	Asset            string   `json:"asset,omitempty"`
	Authors          []string `json:"authors"`
}

// Client is the ledger collaborator.
type Client interface {
	IssueReceivingAddress(ctx context.Context) (string, error)
	IsSyncing(ctx context.Context) (bool, error)
	ComposeAndBroadcast(ctx context.Context, c Compose) (txID string, err error)
	ReadBalance(ctx context.Context, address string) (int64, error)
	SendPayment(ctx context.Context, s Send) (txID string, err error)
	IncomingPayments(ctx context.Context, txIDs []string) ([]IncomingPayment, error)
	IsValidAddress(ctx context.Context, address string) (bool, error)
}
