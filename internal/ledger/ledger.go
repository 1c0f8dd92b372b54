// Package ledger is the contract between the reward engine and the token
// ledger that moves funds, with an ERC-20 implementation and an in-memory
// implementation for development and tests.
//
// Amounts are integer base units (whole tokens × 10^decimals). A submitted
// transfer is not a payment until ConfirmTransfer reports it confirmed.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	// ErrAccountNotFound means the recipient has no usable ledger account.
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrInsufficientBalance means the sender cannot cover the transfer.
	// Fatal to a distribution run until the treasury is funded.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrRejected means the ledger refused or reverted the transfer.
	ErrRejected = errors.New("ledger: transfer rejected")
	// ErrTimeout means the transfer was not confirmed in time.
	ErrTimeout = errors.New("ledger: confirmation timed out")
	// ErrUnavailable means the ledger could not be reached.
	ErrUnavailable = errors.New("ledger: unavailable")
	// ErrTransferNotFound means the reference names no reward token transfer.
	ErrTransferNotFound = errors.New("ledger: transfer not found")
)

// TransferError wraps transfer failures with context
type TransferError struct {
	Op    string // Operation that failed
	TxRef string // Transaction reference if one was issued
	Err   error  // Underlying error
}

func (e *TransferError) Error() string {
	if e.TxRef != "" {
		return fmt.Sprintf("ledger: %s failed (tx: %s): %v", e.Op, e.TxRef, e.Err)
	}
	return fmt.Sprintf("ledger: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// TxRefOf returns the transaction reference carried by err, if any.
func TxRefOf(err error) string {
	var te *TransferError
	if errors.As(err, &te) {
		return te.TxRef
	}
	return ""
}

// Confirmation is the ledger's view of a submitted transfer.
// Neither flag set means the transfer is still pending.
type Confirmation struct {
	Confirmed bool   `json:"confirmed"`
	Failed    bool   `json:"failed"`
	Block     uint64 `json:"block,omitempty"`
}

// TransferDetails is what a submitted transfer moves.
type TransferDetails struct {
	From   string   `json:"from"`
	To     string   `json:"to"`
	Amount *big.Int `json:"amount"`
}

// Matches reports whether the transfer moved amount from one account to the
// other. Accounts compare case-insensitively.
func (d TransferDetails) Matches(from, to string, amount *big.Int) bool {
	return strings.EqualFold(d.From, from) && strings.EqualFold(d.To, to) &&
		d.Amount != nil && amount != nil && d.Amount.Cmp(amount) == 0
}

// Ledger is the external ledger service.
type Ledger interface {
	// Treasury is the account rewards are paid from.
	Treasury() string
	// Decimals is the base-unit exponent of the reward token.
	Decimals() int
	// ResolveAccount maps a wallet address to a ledger account.
	ResolveAccount(ctx context.Context, wallet string) (string, error)
	// SubmitTransfer submits a transfer and returns its reference.
	SubmitTransfer(ctx context.Context, from, to string, amount *big.Int) (string, error)
	// ConfirmTransfer reports whether a submitted transfer has settled.
	ConfirmTransfer(ctx context.Context, txRef string) (Confirmation, error)
	// InspectTransfer reports who a submitted transfer paid and how much.
	InspectTransfer(ctx context.Context, txRef string) (TransferDetails, error)
	// Balance returns an account's balance in base units.
	Balance(ctx context.Context, account string) (*big.Int, error)
}

// WaitForConfirmation polls ConfirmTransfer until the transfer settles or
// timeout elapses. A reverted transfer returns ErrRejected; running out of
// time returns ErrTimeout. Transient lookup errors are retried until the
// deadline.
func WaitForConfirmation(ctx context.Context, l Ledger, txRef string, timeout, poll time.Duration) (Confirmation, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	check := func() (Confirmation, bool, error) {
		conf, err := l.ConfirmTransfer(ctx, txRef)
		if err != nil {
			lastErr = err
			return conf, false, nil
		}
		if conf.Failed {
			return conf, true, &TransferError{Op: "confirm", TxRef: txRef, Err: ErrRejected}
		}
		return conf, conf.Confirmed, nil
	}

	if conf, done, err := check(); done || err != nil {
		return conf, err
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				err := fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txRef)
				if lastErr != nil {
					err = fmt.Errorf("%w (last error: %v)", err, lastErr)
				}
				return Confirmation{}, &TransferError{Op: "confirm", TxRef: txRef, Err: err}
			}
			return Confirmation{}, ctx.Err()

		case <-ticker.C:
			if conf, done, err := check(); done || err != nil {
				return conf, err
			}
		}
	}
}
