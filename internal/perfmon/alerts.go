// internal/perfmon/alerts.go
package perfmon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/curvestream/curvestream/internal/events"
	"github.com/curvestream/curvestream/internal/storage/models"
)

// Alert severities, ordered by health-score weight.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

var severityDeduction = map[string]int{
	SeverityCritical: 30,
	SeverityHigh:     20,
	SeverityMedium:   10,
	SeverityLow:      5,
}

// AlertStore persists alert state transitions.
type AlertStore interface {
	SaveAlert(ctx context.Context, alert *models.PerformanceAlert) error
	ResolveAlert(ctx context.Context, alertID string, at time.Time) error
}

type activeAlert struct {
	id       string
	kind     string
	severity string
	metric   string
	raisedAt time.Time
}

// alertManager deduplicates alerts on (type, metric). Raising an active key
// updates the stored row in place; resolving clears it.
type alertManager struct {
	store  AlertStore
	bus    *events.Bus
	logger *zap.Logger

	mu     sync.Mutex
	active map[string]*activeAlert
}

func newAlertManager(store AlertStore, bus *events.Bus, log *zap.Logger) *alertManager {
	return &alertManager{
		store:  store,
		bus:    bus,
		logger: log,
		active: make(map[string]*activeAlert),
	}
}

func alertKey(kind, metric string) string { return kind + "/" + metric }

// raise opens or refreshes the alert for (kind, metric).
func (m *alertManager) raise(ctx context.Context, kind, severity, metric string, value, threshold float64, message string) {
	m.mu.Lock()
	a, exists := m.active[alertKey(kind, metric)]
	if !exists {
		a = &activeAlert{
			id:       uuid.New().String(),
			kind:     kind,
			severity: severity,
			metric:   metric,
			raisedAt: time.Now(),
		}
		m.active[alertKey(kind, metric)] = a
	}
	a.severity = severity
	m.mu.Unlock()

	row := &models.PerformanceAlert{
		AlertID:   a.id,
		AlertType: kind,
		Severity:  severity,
		Metric:    metric,
		Value:     value,
		Threshold: threshold,
		Message:   message,
		RaisedAt:  a.raisedAt,
	}
	if m.store != nil {
		if err := m.store.SaveAlert(ctx, row); err != nil {
			m.logger.Warn("Failed to persist alert", zap.String("metric", metric), zap.Error(err))
		}
	}

	if !exists {
		m.logger.Warn("Performance alert raised",
			zap.String("type", kind),
			zap.String("severity", severity),
			zap.String("metric", metric),
			zap.Float64("value", value),
			zap.Float64("threshold", threshold))
		if m.bus != nil {
			_ = m.bus.Publish(events.AlertRaisedEvent{
				BaseEvent: events.Base(events.AlertRaised),
				AlertID:   a.id,
				Kind:      kind,
				Severity:  severity,
				Metric:    metric,
				Value:     value,
			})
		}
	}
}

// resolve clears the alert for (kind, metric) when active.
func (m *alertManager) resolve(ctx context.Context, kind, metric string) {
	m.mu.Lock()
	a, exists := m.active[alertKey(kind, metric)]
	if exists {
		delete(m.active, alertKey(kind, metric))
	}
	m.mu.Unlock()
	if !exists {
		return
	}

	if m.store != nil {
		if err := m.store.ResolveAlert(ctx, a.id, time.Now()); err != nil {
			m.logger.Warn("Failed to mark alert resolved", zap.String("metric", metric), zap.Error(err))
		}
	}

	m.logger.Info("Performance alert resolved",
		zap.String("type", kind),
		zap.String("metric", metric),
		zap.Duration("active_for", time.Since(a.raisedAt)))
	if m.bus != nil {
		_ = m.bus.Publish(events.AlertResolvedEvent{
			BaseEvent: events.Base(events.AlertResolved),
			AlertID:   a.id,
			Kind:      kind,
			Metric:    metric,
		})
	}
}

// activeCount returns the number of open alerts per severity.
func (m *alertManager) activeCount() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int)
	for _, a := range m.active {
		counts[a.severity]++
	}
	return counts
}

// deduction sums the health-score penalty of every open alert.
func (m *alertManager) deduction() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int
	for _, a := range m.active {
		total += severityDeduction[a.severity]
	}
	return total
}

func thresholdMessage(metric string, value, threshold float64) string {
	return fmt.Sprintf("%s at %.3f exceeds threshold %.3f", metric, value, threshold)
}
