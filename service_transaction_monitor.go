package permkit

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// TransactionMetrics summarizes mutation transactions since the last reset.
// Rejected transactions rolled back on a domain error (validation, conflict,
// not found, forbidden) and are not counted as failures.
type TransactionMetrics struct {
	TotalTransactions      int64         `json:"total_transactions"`
	SuccessfulTransactions int64         `json:"successful_transactions"`
	RejectedTransactions   int64         `json:"rejected_transactions"`
	FailedTransactions     int64         `json:"failed_transactions"`
	AverageDuration        time.Duration `json:"average_duration"`
	MaxDuration            time.Duration `json:"max_duration"`
	MinDuration            time.Duration `json:"min_duration"`
	LastReset              time.Time     `json:"last_reset"`
}

// FailureRate returns failed/total, or 0 when nothing ran yet.
func (m TransactionMetrics) FailureRate() float64 {
	if m.TotalTransactions == 0 {
		return 0
	}
	return float64(m.FailedTransactions) / float64(m.TotalTransactions)
}

// Thresholds used by IsTransactionHealthy.
const (
	minTransactionsForHealth = 10
	maxFailureRate           = 0.05
	maxAverageDuration       = time.Second
)

const noSample = int64(1<<63 - 1)

type transactionMonitor struct {
	mu sync.RWMutex // write-held only by reset

	total, ok, rejected, failed atomic.Int64
	sumNs, maxNs, minNs         atomic.Int64
	since                       time.Time
}

func newTransactionMonitor() *transactionMonitor {
	tm := &transactionMonitor{since: time.Now()}
	tm.minNs.Store(noSample)
	return tm
}

// isRejection reports whether err is a domain outcome rather than a store or
// evaluation failure.
func isRejection(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return !errors.Is(err, ErrStore) && !errors.Is(err, ErrEvaluation)
}

func (tm *transactionMonitor) recordTransaction(d time.Duration, err error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	tm.total.Add(1)
	switch {
	case err == nil:
		tm.ok.Add(1)
	case isRejection(err):
		tm.rejected.Add(1)
	default:
		tm.failed.Add(1)
	}

	ns := int64(d)
	tm.sumNs.Add(ns)
	for cur := tm.maxNs.Load(); ns > cur && !tm.maxNs.CompareAndSwap(cur, ns); cur = tm.maxNs.Load() {
	}
	for cur := tm.minNs.Load(); ns < cur && !tm.minNs.CompareAndSwap(cur, ns); cur = tm.minNs.Load() {
	}
}

func (tm *transactionMonitor) getMetrics() TransactionMetrics {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	m := TransactionMetrics{
		TotalTransactions:      tm.total.Load(),
		SuccessfulTransactions: tm.ok.Load(),
		RejectedTransactions:   tm.rejected.Load(),
		FailedTransactions:     tm.failed.Load(),
		MaxDuration:            time.Duration(tm.maxNs.Load()),
		LastReset:              tm.since,
	}
	if m.TotalTransactions > 0 {
		m.AverageDuration = time.Duration(tm.sumNs.Load() / m.TotalTransactions)
		m.MinDuration = time.Duration(tm.minNs.Load())
	}
	return m
}

func (tm *transactionMonitor) reset() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for _, c := range []*atomic.Int64{&tm.total, &tm.ok, &tm.rejected, &tm.failed, &tm.sumNs, &tm.maxNs} {
		c.Store(0)
	}
	tm.minNs.Store(noSample)
	tm.since = time.Now()
}

// GetTransactionMetrics returns the current mutation transaction metrics.
func (s *Service) GetTransactionMetrics() TransactionMetrics {
	return s.txMonitor.getMetrics()
}

// ResetTransactionMetrics zeroes the transaction metrics.
func (s *Service) ResetTransactionMetrics() {
	s.txMonitor.reset()
}

// IsTransactionHealthy reports false once at least ten transactions ran and
// more than 5% failed or the average took over a second. Rejections never
// make the store unhealthy.
func (s *Service) IsTransactionHealthy() bool {
	m := s.txMonitor.getMetrics()
	if m.TotalTransactions < minTransactionsForHealth {
		return true
	}
	return m.FailureRate() <= maxFailureRate && m.AverageDuration <= maxAverageDuration
}
