// Package bridgemetrics exposes Prometheus-format counters/gauges for the
// bridge process, following the metrics.Set + lazily-initialized struct
// pattern used throughout the teacher's HTTP API metrics.
package bridgemetrics

import (
	"io"
	"sync"

	"github.com/VictoriaMetrics/metrics"
)

// Metrics holds every counter/gauge/histogram the bridge reports.
type Metrics struct {
	set *metrics.Set

	connect_attempts_total struct {
		success *metrics.Counter
		failure *metrics.Counter
	}
	connection_state *metrics.Gauge // 0=stop, 1=run, 2=pause, 3=error

	dispatcher_requests_total struct {
		success         *metrics.Counter
		retry_exhausted *metrics.Counter
		reply_mismatch  *metrics.Counter
		terminate       *metrics.Counter
	}
	dispatcher_request_duration_seconds *metrics.Histogram

	events_total     *metrics.Counter
	poll_cycle_duration_seconds *metrics.Histogram
	status_replies_total        *metrics.Counter

	control_commands_total struct {
		accepted *metrics.Counter
		rejected *metrics.Counter
	}
}

var (
	once    sync.Once
	current *Metrics
)

// Default returns the process-wide Metrics, creating it on first use.
func Default() *Metrics {
	once.Do(func() {
		current = newMetrics()
	})
	return current
}

func newMetrics() *Metrics {
	m := &Metrics{set: metrics.NewSet()}

	m.connect_attempts_total.success = m.set.NewCounter(`paibridge_connect_attempts_total{result="success"}`)
	m.connect_attempts_total.failure = m.set.NewCounter(`paibridge_connect_attempts_total{result="failure"}`)
	m.connection_state = m.set.NewGauge(`paibridge_connection_state`, nil)

	m.dispatcher_requests_total.success = m.set.NewCounter(`paibridge_dispatcher_requests_total{result="success"}`)
	m.dispatcher_requests_total.retry_exhausted = m.set.NewCounter(`paibridge_dispatcher_requests_total{result="retry_exhausted"}`)
	m.dispatcher_requests_total.reply_mismatch = m.set.NewCounter(`paibridge_dispatcher_requests_total{result="reply_mismatch"}`)
	m.dispatcher_requests_total.terminate = m.set.NewCounter(`paibridge_dispatcher_requests_total{result="terminate"}`)
	m.dispatcher_request_duration_seconds = m.set.NewHistogram(`paibridge_dispatcher_request_duration_seconds`)

	m.events_total = m.set.NewCounter(`paibridge_events_total`)
	m.poll_cycle_duration_seconds = m.set.NewHistogram(`paibridge_poll_cycle_duration_seconds`)
	m.status_replies_total = m.set.NewCounter(`paibridge_status_replies_total`)

	m.control_commands_total.accepted = m.set.NewCounter(`paibridge_control_commands_total{result="accepted"}`)
	m.control_commands_total.rejected = m.set.NewCounter(`paibridge_control_commands_total{result="rejected"}`)

	return m
}

// WritePrometheus writes every registered metric in Prometheus exposition
// format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}

func (m *Metrics) ConnectSuccess()  { m.connect_attempts_total.success.Inc() }
func (m *Metrics) ConnectFailure()  { m.connect_attempts_total.failure.Inc() }
func (m *Metrics) SetConnectionState(state int) {
	m.connection_state.Set(float64(state))
}

func (m *Metrics) DispatcherSuccess(seconds float64) {
	m.dispatcher_requests_total.success.Inc()
	m.dispatcher_request_duration_seconds.Update(seconds)
}
func (m *Metrics) DispatcherRetryExhausted() { m.dispatcher_requests_total.retry_exhausted.Inc() }
func (m *Metrics) DispatcherReplyMismatch()  { m.dispatcher_requests_total.reply_mismatch.Inc() }
func (m *Metrics) DispatcherTerminate()      { m.dispatcher_requests_total.terminate.Inc() }

func (m *Metrics) Event()             { m.events_total.Inc() }
func (m *Metrics) PollCycle(seconds float64) {
	m.poll_cycle_duration_seconds.Update(seconds)
}
func (m *Metrics) StatusReply() { m.status_replies_total.Inc() }

func (m *Metrics) ControlAccepted() { m.control_commands_total.accepted.Inc() }
func (m *Metrics) ControlRejected() { m.control_commands_total.rejected.Inc() }
