package sdi12

import (
	"sync/atomic"
)

// EngineMetrics contains atomic metrics for an SDI-12 engine.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type EngineMetrics struct {
	// TransactionCount indicates the number of Execute calls.
	TransactionCount atomic.Uint64
	// SuccessCount indicates the number of successful transactions.
	SuccessCount atomic.Uint64
	// TimeoutCount indicates the number of transactions without a complete reply.
	TimeoutCount atomic.Uint64
	// ParityErrorCount indicates the number of replies with parity errors.
	ParityErrorCount atomic.Uint64
	// ReplyErrorCount indicates the number of semantically invalid replies.
	ReplyErrorCount atomic.Uint64
	// FailCount indicates the number of rejected commands and port failures.
	FailCount atomic.Uint64
	// BreakCount indicates the number of breaks and wakes put on the bus.
	BreakCount atomic.Uint64
	// RetryCount indicates the number of commands re-issued by the Measure helpers.
	RetryCount atomic.Uint64
}

func (m *EngineMetrics) incTransactionCount() {
	m.TransactionCount.Add(1)
}

func (m *EngineMetrics) incResult(r Result) {
	switch r {
	case Success:
		m.SuccessCount.Add(1)
	case Timeout:
		m.TimeoutCount.Add(1)
	case ParityError:
		m.ParityErrorCount.Add(1)
	case ReplyError:
		m.ReplyErrorCount.Add(1)
	default:
		m.FailCount.Add(1)
	}
}

func (m *EngineMetrics) incBreakCount() {
	m.BreakCount.Add(1)
}

func (m *EngineMetrics) incRetryCount() {
	m.RetryCount.Add(1)
}
