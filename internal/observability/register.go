package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/cashdesk/internal/register"
)

// RegisterMetrics mencatat siklus sesi kasir. Implementasi register.Recorder.
type RegisterMetrics struct {
	opened      *prometheus.CounterVec
	closed      *prometheus.CounterVec
	movements   *prometheus.CounterVec
	discrepancy prometheus.Histogram
	stale       prometheus.Gauge
}

var _ register.Recorder = (*RegisterMetrics)(nil)

func newRegisterMetrics(registerer prometheus.Registerer) *RegisterMetrics {
	opened := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cashdesk_register_sessions_opened_total",
		Help: "Jumlah sesi kasir yang dibuka per till.",
	}, []string{"till"})
	closed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cashdesk_register_sessions_closed_total",
		Help: "Jumlah sesi kasir yang ditutup berdasarkan hasil rekonsiliasi.",
	}, []string{"till", "outcome"})
	movements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cashdesk_register_movements_total",
		Help: "Jumlah mutasi kas berdasarkan tipe.",
	}, []string{"type"})
	discrepancy := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cashdesk_register_close_discrepancy_abs",
		Help:    "Selisih absolut antara hitungan fisik dan saldo yang diharapkan saat tutup kasir.",
		Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000, 10000},
	})
	stale := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cashdesk_register_stale_sessions",
		Help: "Jumlah sesi kasir yang terbuka melewati batas waktu pada pemindaian terakhir.",
	})
	registerer.MustRegister(opened, closed, movements, discrepancy, stale)
	return &RegisterMetrics{opened: opened, closed: closed, movements: movements, discrepancy: discrepancy, stale: stale}
}

// SessionOpened mencatat pembukaan sesi.
func (m *RegisterMetrics) SessionOpened(tillID int64) {
	if m == nil {
		return
	}
	m.opened.WithLabelValues(strconv.FormatInt(tillID, 10)).Inc()
}

// MovementRecorded mencatat mutasi kas.
func (m *RegisterMetrics) MovementRecorded(mt register.MovementType) {
	if m == nil {
		return
	}
	m.movements.WithLabelValues(string(mt)).Inc()
}

// SessionClosed mencatat penutupan sesi beserta selisihnya.
func (m *RegisterMetrics) SessionClosed(tillID int64, rec register.Reconciliation) {
	if m == nil {
		return
	}
	m.closed.WithLabelValues(strconv.FormatInt(tillID, 10), string(rec.Outcome)).Inc()
	abs, _ := rec.Discrepancy.Abs().Float64()
	m.discrepancy.Observe(abs)
}

// SetStaleSessions menyimpan hasil pemindaian sesi basi.
func (m *RegisterMetrics) SetStaleSessions(count int) {
	if m == nil {
		return
	}
	m.stale.Set(float64(count))
}
