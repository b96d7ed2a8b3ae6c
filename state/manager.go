package state

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"stocklend/native/shortpool"
	"stocklend/storage"
)

var (
	poolKeyPrefix     = []byte("shortpool/pool/")
	registryKeyPrefix = []byte("shortpool/registry/")
	sequenceKey       = []byte("shortpool/sequence")
)

// Manager persists pool ledgers and position registries as RLP records in the
// underlying key-value store. It is the commit point for engine operations: a
// Put replaces the whole record, so partially staged mutations never reach
// disk. It also owns the monotonic sequence counter stamped on new positions.
type Manager struct {
	mu sync.Mutex
	db storage.Database
}

// NewManager binds a manager to the provided storage backend.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

type storedDepositor struct {
	Address [20]byte
	Shares  string
}

type storedPool struct {
	Ticker           string
	Depositors       []storedDepositor
	TotalDeposited   string
	TotalBorrowed    string
	RetainedEarnings string
}

type storedPosition struct {
	Borrower         [20]byte
	Ticker           string
	SharesBorrowed   string
	InterestRate     string
	OpenSequence     uint64
	PostedCollateral string
	Proceeds         string
}

type storedRegistry struct {
	Ticker    string
	Positions []storedPosition
}

// GetPool loads the pool record for the ticker. A missing record returns nil
// without error so the engine can lazily create the pool.
func (m *Manager) GetPool(ticker string) (*shortpool.Pool, error) {
	if m == nil || m.db == nil {
		return nil, fmt.Errorf("state: manager not initialised")
	}
	raw, err := m.db.Get(poolKey(ticker))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: load pool %s: %w", ticker, err)
	}
	var stored storedPool
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, fmt.Errorf("state: decode pool %s: %w", ticker, err)
	}
	return fromStoredPool(&stored)
}

// PutPool writes the pool record, replacing any previous version.
func (m *Manager) PutPool(pool *shortpool.Pool) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state: manager not initialised")
	}
	if pool == nil {
		return fmt.Errorf("state: pool must not be nil")
	}
	if strings.TrimSpace(pool.Ticker) == "" {
		return fmt.Errorf("state: pool ticker required")
	}
	encoded, err := rlp.EncodeToBytes(toStoredPool(pool))
	if err != nil {
		return fmt.Errorf("state: encode pool %s: %w", pool.Ticker, err)
	}
	return m.db.Put(poolKey(pool.Ticker), encoded)
}

// GetRegistry loads the position registry for the ticker. A missing record
// returns nil without error.
func (m *Manager) GetRegistry(ticker string) (*shortpool.Registry, error) {
	if m == nil || m.db == nil {
		return nil, fmt.Errorf("state: manager not initialised")
	}
	raw, err := m.db.Get(registryKey(ticker))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: load registry %s: %w", ticker, err)
	}
	var stored storedRegistry
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, fmt.Errorf("state: decode registry %s: %w", ticker, err)
	}
	return fromStoredRegistry(&stored)
}

// PutRegistry writes the registry record, replacing any previous version.
func (m *Manager) PutRegistry(registry *shortpool.Registry) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state: manager not initialised")
	}
	if registry == nil {
		return fmt.Errorf("state: registry must not be nil")
	}
	if strings.TrimSpace(registry.Ticker) == "" {
		return fmt.Errorf("state: registry ticker required")
	}
	encoded, err := rlp.EncodeToBytes(toStoredRegistry(registry))
	if err != nil {
		return fmt.Errorf("state: encode registry %s: %w", registry.Ticker, err)
	}
	return m.db.Put(registryKey(registry.Ticker), encoded)
}

// NextSequence increments and persists the global position counter. The first
// call on a fresh database returns 1. The counter survives restarts so open
// sequences stay unique for the lifetime of the store.
func (m *Manager) NextSequence() (uint64, error) {
	if m == nil || m.db == nil {
		return 0, fmt.Errorf("state: manager not initialised")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var current uint64
	raw, err := m.db.Get(sequenceKey)
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
		current = 0
	case err != nil:
		return 0, fmt.Errorf("state: load sequence: %w", err)
	default:
		if err := rlp.DecodeBytes(raw, &current); err != nil {
			return 0, fmt.Errorf("state: decode sequence: %w", err)
		}
	}
	next := current + 1
	encoded, err := rlp.EncodeToBytes(next)
	if err != nil {
		return 0, fmt.Errorf("state: encode sequence: %w", err)
	}
	if err := m.db.Put(sequenceKey, encoded); err != nil {
		return 0, fmt.Errorf("state: persist sequence: %w", err)
	}
	return next, nil
}

func poolKey(ticker string) []byte {
	return recordKey(poolKeyPrefix, ticker)
}

func registryKey(ticker string) []byte {
	return recordKey(registryKeyPrefix, ticker)
}

func recordKey(prefix []byte, ticker string) []byte {
	trimmed := strings.TrimSpace(ticker)
	buf := make([]byte, len(prefix)+len(trimmed))
	copy(buf, prefix)
	copy(buf[len(prefix):], trimmed)
	return buf
}

// toStoredPool flattens the depositor map into a sorted slice. RLP cannot
// encode maps, and the sorted order keeps the encoding deterministic.
func toStoredPool(pool *shortpool.Pool) storedPool {
	stored := storedPool{
		Ticker:           strings.TrimSpace(pool.Ticker),
		TotalDeposited:   amountToString(pool.TotalDeposited),
		TotalBorrowed:    amountToString(pool.TotalBorrowed),
		RetainedEarnings: amountToString(pool.RetainedEarnings),
	}
	stored.Depositors = make([]storedDepositor, 0, len(pool.DepositorShares))
	for addr, shares := range pool.DepositorShares {
		stored.Depositors = append(stored.Depositors, storedDepositor{
			Address: addr,
			Shares:  amountToString(shares),
		})
	}
	sort.Slice(stored.Depositors, func(i, j int) bool {
		return shortpool.Address(stored.Depositors[i].Address).Compare(shortpool.Address(stored.Depositors[j].Address)) < 0
	})
	return stored
}

func fromStoredPool(stored *storedPool) (*shortpool.Pool, error) {
	pool := shortpool.NewPool(stored.Ticker)
	var err error
	if pool.TotalDeposited, err = amountFromString(stored.TotalDeposited); err != nil {
		return nil, fmt.Errorf("state: pool total deposited: %w", err)
	}
	if pool.TotalBorrowed, err = amountFromString(stored.TotalBorrowed); err != nil {
		return nil, fmt.Errorf("state: pool total borrowed: %w", err)
	}
	if pool.RetainedEarnings, err = amountFromString(stored.RetainedEarnings); err != nil {
		return nil, fmt.Errorf("state: pool retained earnings: %w", err)
	}
	for _, entry := range stored.Depositors {
		shares, err := amountFromString(entry.Shares)
		if err != nil {
			return nil, fmt.Errorf("state: depositor %x shares: %w", entry.Address, err)
		}
		pool.DepositorShares[shortpool.Address(entry.Address)] = shares
	}
	return pool, nil
}

func toStoredRegistry(registry *shortpool.Registry) storedRegistry {
	stored := storedRegistry{Ticker: strings.TrimSpace(registry.Ticker)}
	for _, pos := range registry.Snapshot() {
		stored.Positions = append(stored.Positions, storedPosition{
			Borrower:         pos.Borrower,
			Ticker:           pos.Ticker,
			SharesBorrowed:   amountToString(pos.SharesBorrowed),
			InterestRate:     amountToString(pos.InterestRate),
			OpenSequence:     pos.OpenSequence,
			PostedCollateral: amountToString(pos.PostedCollateral),
			Proceeds:         amountToString(pos.Proceeds),
		})
	}
	return stored
}

func fromStoredRegistry(stored *storedRegistry) (*shortpool.Registry, error) {
	registry := shortpool.NewRegistry(stored.Ticker)
	for _, entry := range stored.Positions {
		pos := &shortpool.ShortPosition{
			Borrower:     shortpool.Address(entry.Borrower),
			Ticker:       entry.Ticker,
			OpenSequence: entry.OpenSequence,
		}
		var err error
		if pos.SharesBorrowed, err = amountFromString(entry.SharesBorrowed); err != nil {
			return nil, fmt.Errorf("state: position %x shares: %w", entry.Borrower, err)
		}
		if pos.InterestRate, err = amountFromString(entry.InterestRate); err != nil {
			return nil, fmt.Errorf("state: position %x rate: %w", entry.Borrower, err)
		}
		if pos.PostedCollateral, err = amountFromString(entry.PostedCollateral); err != nil {
			return nil, fmt.Errorf("state: position %x collateral: %w", entry.Borrower, err)
		}
		if pos.Proceeds, err = amountFromString(entry.Proceeds); err != nil {
			return nil, fmt.Errorf("state: position %x proceeds: %w", entry.Borrower, err)
		}
		registry.Positions[pos.Borrower] = pos
	}
	return registry, nil
}

func amountToString(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

func amountFromString(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}
