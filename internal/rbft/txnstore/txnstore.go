// Package txnstore implements the per-client idempotent reply cache: a
// map txnId -> Reply and a secondary index (clientId, reqId) -> txnId,
// so a repeated REQUEST always yields the byte-identical Reply. Stop
// refuses new reads and drains in-flight ones with a bounded timeout.
package txnstore

import (
	"context"
	"sync"
	"time"

	"github.com/sybtjp/plenum/internal/rbft/errs"
	"github.com/sybtjp/plenum/internal/rbft/message"
	"github.com/sybtjp/plenum/internal/rbft/types"
)

// DefaultStopTimeout is how long Stop waits for in-flight reads to drain
// before giving up.
const DefaultStopTimeout = 5 * time.Second

// Store is an idempotent map from (clientId, reqId) to the Reply
// originally produced for it, indexed also by txnId.
type Store struct {
	mu        sync.RWMutex
	byTxn     map[types.TxnId]message.ReplyResult
	byReq     map[types.ReqKey]types.TxnId
	stopped   bool
	stopTimeo time.Duration
	inflight  sync.WaitGroup
}

// New builds an empty Store with the default stop timeout.
func New() *Store {
	return &Store{
		byTxn:     make(map[types.TxnId]message.ReplyResult),
		byReq:     make(map[types.ReqKey]types.TxnId),
		stopTimeo: DefaultStopTimeout,
	}
}

// Append records result as the permanent Reply for its (clientId, reqId),
// the single write that makes a transaction visible to later Get calls.
// Calling Append twice for the same key is a programmer error (the Node's
// request handler guards against re-execution via the Requests registry
// and its own Get check) but is idempotent in effect: the first write wins.
func (s *Store) Append(result message.ReplyResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errs.ErrStopTimeout
	}
	key := types.ReqKey{ClientId: result.Identifier, ReqId: result.ReqId}
	if _, exists := s.byReq[key]; exists {
		return nil
	}
	s.byTxn[result.TxnId] = result
	s.byReq[key] = result.TxnId
	return nil
}

// Get returns the previously persisted Reply for (clientId, reqId), if
// any. Safe for concurrent use by multiple readers.
func (s *Store) Get(clientId types.ClientId, reqId types.ReqId) (message.ReplyResult, bool) {
	s.inflight.Add(1)
	defer s.inflight.Done()
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return message.ReplyResult{}, false
	}
	txnId, ok := s.byReq[types.ReqKey{ClientId: clientId, ReqId: reqId}]
	if !ok {
		return message.ReplyResult{}, false
	}
	result, ok := s.byTxn[txnId]
	return result, ok
}

// GetByTxnId looks a Reply up by its txnId directly.
func (s *Store) GetByTxnId(txnId types.TxnId) (message.ReplyResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.byTxn[txnId]
	return result, ok
}

// AllTransactions returns every stored txnId mapped to its Reply result.
// Diagnostic only; callers must not rely on this shape as a contract.
func (s *Store) AllTransactions() map[types.TxnId]message.ReplyResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[types.TxnId]message.ReplyResult, len(s.byTxn))
	for k, v := range s.byTxn {
		out[k] = v
	}
	return out
}

// Stop refuses new reads and waits up to the configured timeout for
// in-flight Get calls to drain, returning errs.ErrStopTimeout if the
// timeout is exceeded.
func (s *Store) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	timeout := s.stopTimeo
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return errs.ErrStopTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
