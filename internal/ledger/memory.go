package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryTreasury is the treasury account of the in-memory ledger.
const MemoryTreasury = "0x7ea5000000000000000000000000000000000001"

// Transfer is a transfer accepted by the in-memory ledger.
type Transfer struct {
	Ref         string
	From        string
	To          string
	Amount      *big.Int
	Confirmed   bool
	SubmittedAt time.Time
}

// MemoryLedger is an in-memory Ledger for development and tests. Failures can
// be scripted per recipient to exercise the distributor's error paths.
type MemoryLedger struct {
	mu       sync.Mutex
	treasury string
	decimals int
	balances map[string]*big.Int
	txs      map[string]*Transfer
	order    []string

	requireProvisioned bool
	provisioned        map[string]bool
	rejected           map[string]bool
	held               map[string]bool // recipients whose transfers stay pending
	unavailable        bool
	submits            int
}

// Compile-time interface check
var _ Ledger = (*MemoryLedger)(nil)

// NewMemory creates an in-memory ledger whose treasury holds treasuryBalance base units.
func NewMemory(decimals int, treasuryBalance *big.Int) *MemoryLedger {
	m := &MemoryLedger{
		treasury:    MemoryTreasury,
		decimals:    decimals,
		balances:    make(map[string]*big.Int),
		txs:         make(map[string]*Transfer),
		provisioned: make(map[string]bool),
		rejected:    make(map[string]bool),
		held:        make(map[string]bool),
	}
	if treasuryBalance != nil {
		m.balances[MemoryTreasury] = new(big.Int).Set(treasuryBalance)
	}
	return m
}

func key(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Fund adds base units to an account.
func (m *MemoryLedger) Fund(account string, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creditLocked(key(account), amount)
}

// RequireProvisioning makes ResolveAccount fail for accounts not provisioned.
func (m *MemoryLedger) RequireProvisioning(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requireProvisioned = on
}

// Provision creates a recipient account.
func (m *MemoryLedger) Provision(wallet string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.provisioned[key(wallet)] = true
}

// Reject makes transfers to wallet fail with ErrRejected.
func (m *MemoryLedger) Reject(wallet string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected[key(wallet)] = true
}

// Hold keeps transfers to wallet pending until Release.
func (m *MemoryLedger) Hold(wallet string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[key(wallet)] = true
}

// Release confirms held transfers to wallet.
func (m *MemoryLedger) Release(wallet string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(wallet)
	delete(m.held, k)
	for _, tx := range m.txs {
		if key(tx.To) == k {
			tx.Confirmed = true
		}
	}
}

// SetUnavailable makes every call fail with ErrUnavailable.
func (m *MemoryLedger) SetUnavailable(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = on
}

// SubmitCount returns how many transfers were accepted.
func (m *MemoryLedger) SubmitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submits
}

// Transfers returns accepted transfers in submission order.
func (m *MemoryLedger) Transfers() []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transfer, 0, len(m.order))
	for _, ref := range m.order {
		tx := *m.txs[ref]
		tx.Amount = new(big.Int).Set(tx.Amount)
		out = append(out, tx)
	}
	return out
}

func (m *MemoryLedger) Treasury() string { return m.treasury }

func (m *MemoryLedger) Decimals() int { return m.decimals }

func (m *MemoryLedger) ResolveAccount(_ context.Context, wallet string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return "", ErrUnavailable
	}
	if !common.IsHexAddress(wallet) {
		return "", fmt.Errorf("%w: %q is not an address", ErrAccountNotFound, wallet)
	}
	k := key(wallet)
	if m.requireProvisioned && !m.provisioned[k] {
		return "", fmt.Errorf("%w: %s not provisioned", ErrAccountNotFound, k)
	}
	return k, nil
}

func (m *MemoryLedger) SubmitTransfer(_ context.Context, from, to string, amount *big.Int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return "", &TransferError{Op: "submit", Err: ErrUnavailable}
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", &TransferError{Op: "submit", Err: fmt.Errorf("%w: amount must be positive", ErrRejected)}
	}
	src, dst := key(from), key(to)
	if m.rejected[dst] {
		return "", &TransferError{Op: "submit", Err: ErrRejected}
	}
	bal := m.balances[src]
	if bal == nil || bal.Cmp(amount) < 0 {
		return "", &TransferError{Op: "submit", Err: ErrInsufficientBalance}
	}

	bal.Sub(bal, amount)
	m.creditLocked(dst, amount)

	m.submits++
	ref := fmt.Sprintf("0x%064x", m.submits)
	m.txs[ref] = &Transfer{
		Ref:         ref,
		From:        src,
		To:          dst,
		Amount:      new(big.Int).Set(amount),
		Confirmed:   !m.held[dst],
		SubmittedAt: time.Now(),
	}
	m.order = append(m.order, ref)
	return ref, nil
}

func (m *MemoryLedger) ConfirmTransfer(_ context.Context, txRef string) (Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return Confirmation{}, ErrUnavailable
	}
	tx, ok := m.txs[txRef]
	if !ok {
		return Confirmation{Failed: true}, nil
	}
	return Confirmation{Confirmed: tx.Confirmed}, nil
}

func (m *MemoryLedger) InspectTransfer(_ context.Context, txRef string) (TransferDetails, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return TransferDetails{}, ErrUnavailable
	}
	tx, ok := m.txs[txRef]
	if !ok {
		return TransferDetails{}, fmt.Errorf("%w: %s", ErrTransferNotFound, txRef)
	}
	return TransferDetails{From: tx.From, To: tx.To, Amount: new(big.Int).Set(tx.Amount)}, nil
}

func (m *MemoryLedger) Balance(_ context.Context, account string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return nil, ErrUnavailable
	}
	if bal, ok := m.balances[key(account)]; ok {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}

func (m *MemoryLedger) creditLocked(account string, amount *big.Int) {
	bal, ok := m.balances[account]
	if !ok {
		bal = new(big.Int)
		m.balances[account] = bal
	}
	bal.Add(bal, amount)
}
