package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var errMissingBackend = errors.New("store: transaction backend is required")

// Transaction is an open multi-document transaction on a backend.
type Transaction interface {
	// Context carries the transaction for backends that bind it to the context.
	Context() context.Context
	Session() Session
	Commit() error
	Abort() error
}

// Backend is what a concrete store provides to the transaction runner.
type Backend interface {
	// DetectTransactions inspects the deployment topology.
	DetectTransactions(ctx context.Context) (bool, error)
	Begin(ctx context.Context) (Transaction, error)
	Session() Session
}

// Capability caches the outcome of transaction support detection for the
// lifetime of the process. A failed detection counts as unsupported.
type Capability struct {
	once      sync.Once
	detect    func(ctx context.Context) (bool, error)
	supported bool
	logger    *zap.Logger
}

func NewCapability(detect func(ctx context.Context) (bool, error), logger *zap.Logger) *Capability {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Capability{detect: detect, logger: logger}
}

// Supported runs detection on first use and returns the cached answer afterwards.
func (c *Capability) Supported(ctx context.Context) bool {
	c.once.Do(func() {
		supported, err := c.detect(ctx)
		if err != nil {
			c.logger.Warn("transaction capability detection failed, assuming unsupported", zap.Error(err))
			c.supported = false
			return
		}
		c.supported = supported
		c.logger.Info("transaction capability detected", zap.Bool("supported", supported))
	})
	return c.supported
}

// TransactionRunner implements Store.WithTransaction on top of a Backend.
type TransactionRunner struct {
	backend      Backend
	capability   *Capability
	logger       *zap.Logger
	degradedOnce sync.Once
}

func NewTransactionRunner(backend Backend, logger *zap.Logger) (*TransactionRunner, error) {
	if backend == nil {
		return nil, errMissingBackend
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransactionRunner{
		backend:    backend,
		capability: NewCapability(backend.DetectTransactions, logger),
		logger:     logger,
	}, nil
}

func (r *TransactionRunner) SupportsTransactions(ctx context.Context) bool {
	return r.capability.Supported(ctx)
}

// Run executes fn inside a transaction, committing on success and aborting
// explicitly on error or panic.
func (r *TransactionRunner) Run(ctx context.Context, fn TxFunc) (err error) {
	if !r.capability.Supported(ctx) {
		r.degradedOnce.Do(func() {
			r.logger.Warn("multi-document transactions unavailable, writes are not atomic")
		})
		return fn(ctx, r.backend.Session())
	}

	tx, err := r.backend.Begin(ctx)
	if err != nil {
		r.logger.Error("transaction begin failed", zap.Error(err))
		return Wrap("", "begin", err)
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			r.abort(tx, fmt.Errorf("panic: %v", recovered))
			panic(recovered)
		}
	}()

	if err := fn(tx.Context(), tx.Session()); err != nil {
		r.abort(tx, err)
		return err
	}

	if err := tx.Commit(); err != nil {
		r.logger.Error("transaction commit failed", zap.Error(err))
		if abortErr := tx.Abort(); abortErr != nil {
			r.logger.Debug("abort after failed commit", zap.Error(abortErr))
		}
		return Wrap("", "commit", err)
	}
	return nil
}

func (r *TransactionRunner) abort(tx Transaction, cause error) {
	r.logger.Error("transaction aborted", zap.Error(cause))
	if err := tx.Abort(); err != nil {
		r.logger.Error("transaction abort failed", zap.Error(err))
	}
}
