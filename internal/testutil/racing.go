package testutil

import (
	"context"
	"sync"

	"github.com/Veraticus/the-books-must-balance/internal/model"
	"github.com/Veraticus/the-books-must-balance/internal/service"
)

// RacingStorage wraps a storage so that the first record updates made inside
// transactions lose a race: another writer bumps the stored version between
// the caller's read and its write, and the write fails with a persistence
// conflict.
type RacingStorage struct {
	service.Storage
	mu    sync.Mutex
	races int
	txs   int
}

// NewRacingStorage makes the next races transactional record updates conflict.
func NewRacingStorage(inner service.Storage, races int) *RacingStorage {
	return &RacingStorage{Storage: inner, races: races}
}

// BeginTx starts a transaction on the wrapped storage.
func (s *RacingStorage) BeginTx(ctx context.Context) (service.Transaction, error) {
	tx, err := s.Storage.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.txs++
	s.mu.Unlock()
	return &racingTx{Transaction: tx, owner: s}, nil
}

// Transactions returns how many transactions were started.
func (s *RacingStorage) Transactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txs
}

func (s *RacingStorage) takeRace() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.races == 0 {
		return false
	}
	s.races--
	return true
}

type racingTx struct {
	service.Transaction
	owner *RacingStorage
}

func (t *racingTx) UpdateRecord(ctx context.Context, record *model.ClassificationRecord) error {
	if t.owner.takeRace() {
		current, err := t.Transaction.GetRecord(ctx, record.ID)
		if err != nil {
			return err
		}
		if err := t.Transaction.UpdateRecord(ctx, current); err != nil {
			return err
		}
	}
	return t.Transaction.UpdateRecord(ctx, record)
}
