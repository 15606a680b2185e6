package tds

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ha1tch/tdsfrontend/internal/obslog"
)

// QueryTiming is a single-use per-query timer: start_time and end_time
// bracket the whole request; backend_start_time/backend_end_time mark
// when the handler handed the request to (and got a result back from)
// whatever backend it delegates to. Handlers not using a separate
// backend call can leave the backend marks zero, in which case Emit
// reports zero backend time and proxy time equal to the whole request.
type QueryTiming struct {
	CorrelationID uuid.UUID

	start         time.Time
	end           time.Time
	backendStart  time.Time
	backendEnd    time.Time

	emitted int32 // guards against double-emission
}

// NewQueryTiming starts a timer, generating a fresh correlation id.
// Call once at the start of OnSQLBatchRequest/OnLogin7Request.
func NewQueryTiming() *QueryTiming {
	return &QueryTiming{
		CorrelationID: uuid.New(),
		start:         time.Now(),
	}
}

// MarkBackendStart records when the backend call began.
func (q *QueryTiming) MarkBackendStart() { q.backendStart = time.Now() }

// MarkBackendEnd records when the backend call returned.
func (q *QueryTiming) MarkBackendEnd() { q.backendEnd = time.Now() }

// Elapsed is a resolved (backend, proxy) time pair computed at Emit.
type Elapsed struct {
	Backend time.Duration
	Proxy   time.Duration
	Total   time.Duration
}

// emitMode controls what a double-emission does; overridden by tests.
var emitMode = emitModePanic

type emitModeKind int

const (
	emitModePanic emitModeKind = iota
	emitModeLogAndDrop
)

// Emit finalizes the timer and returns the computed elapsed times.
// Calling Emit a second time on the same QueryTiming is a programmer
// error: with emitMode at its default, emitModePanic, it panics; with
// emitMode set to emitModeLogAndDrop (an unexported package variable,
// so only code inside this package can set it) it instead logs at
// error severity and returns a zero Elapsed.
func (q *QueryTiming) Emit(server *Server, spid uint16) Elapsed {
	if !atomic.CompareAndSwapInt32(&q.emitted, 0, 1) {
		if emitMode == emitModePanic {
			panic("tds: QueryTiming emitted more than once for correlation id " + q.CorrelationID.String())
		}
		if server != nil {
			server.Logger.Performance().Error("query timing emitted more than once", nil, "correlation_id", q.CorrelationID.String())
		}
		return Elapsed{}
	}

	q.end = time.Now()
	var backend time.Duration
	if !q.backendStart.IsZero() && !q.backendEnd.IsZero() {
		backend = q.backendEnd.Sub(q.backendStart)
	}
	total := q.end.Sub(q.start)
	proxy := total - backend

	if server != nil {
		server.Emit(AuditRecord{
			SPID:     spid,
			Category: obslog.CategoryPerformance,
			Message:  "query timing",
			Fields: map[string]interface{}{
				"correlation_id": q.CorrelationID.String(),
				"backend_ms":     backend.Milliseconds(),
				"proxy_ms":       proxy.Milliseconds(),
				"total_ms":       total.Milliseconds(),
			},
		})
	}

	return Elapsed{Backend: backend, Proxy: proxy, Total: total}
}
