package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "matchmaking"

// Metrics implements the matchmaker and session recorders on Prometheus collectors.
type Metrics struct {
	attempts    *prometheus.CounterVec
	attemptTime *prometheus.HistogramVec
	matches     *prometheus.CounterVec
	spread      *prometheus.HistogramVec
	events      *prometheus.CounterVec
	reaped      prometheus.Counter
	connections prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Match attempts by game mode and outcome.",
		}, []string{"game_mode", "outcome"}),
		attemptTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Time spent per match attempt, lock wait included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"game_mode"}),
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_created_total",
			Help:      "Matches created by game mode and size.",
		}, []string{"game_mode", "size"}),
		spread: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rank_spread",
			Help:      "Tier-value spread of created matches.",
			Buckets:   []float64{0, 10, 20, 30},
		}, []string{"game_mode"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Inbound session events by type and result code.",
		}, []string{"event", "code"}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_reaped_total",
			Help:      "Idle sessions cleaned up by the reaper.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open matchmaking WebSocket connections.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.attempts, m.attemptTime, m.matches, m.spread, m.events, m.reaped, m.connections)
	}
	return m
}

func (m *Metrics) ObserveAttempt(gameMode, outcome string, took time.Duration) {
	m.attempts.WithLabelValues(modeLabel(gameMode), outcome).Inc()
	m.attemptTime.WithLabelValues(modeLabel(gameMode)).Observe(took.Seconds())
}

func (m *Metrics) ObserveMatch(gameMode string, size, spread int) {
	m.matches.WithLabelValues(modeLabel(gameMode), strconv.Itoa(size)).Inc()
	m.spread.WithLabelValues(modeLabel(gameMode)).Observe(float64(spread))
}

func (m *Metrics) ObserveEvent(event, code string) {
	m.events.WithLabelValues(event, code).Inc()
}

func (m *Metrics) ObserveReaped(n int) {
	m.reaped.Add(float64(n))
}

func (m *Metrics) ObserveConnection(delta int) {
	m.connections.Add(float64(delta))
}

func modeLabel(gameMode string) string {
	if gameMode == "" {
		return "all"
	}
	return gameMode
}
