package calibration

import (
	"context"
	"fmt"
	"time"
)

// DriftSeverity grades a calibration drift alert.
type DriftSeverity string

const (
	DriftWarning  DriftSeverity = "warning"
	DriftCritical DriftSeverity = "critical"
)

// DriftAlert flags one calibration problem.
type DriftAlert struct {
	TrendID  string        `json:"trend_id,omitempty"`
	Severity DriftSeverity `json:"severity"`
	Kind     string        `json:"kind"` // "bucket_error" or "mean_brier"
	Message  string        `json:"message"`
	Value    float64       `json:"value"`
}

// DriftThresholds configures alerting.
type DriftThresholds struct {
	// MinResolved gates alerting; below it there is not enough signal.
	MinResolved    int
	BucketWarn     float64
	BucketCritical float64
	BrierWarn      float64
	BrierCritical  float64
}

// DriftAlerts evaluates a trend's calibration report against the
// thresholds. An empty trendID evaluates the global report.
func (s *Service) DriftAlerts(ctx context.Context, trendID string, th DriftThresholds) ([]DriftAlert, error) {
	report, err := s.GetReport(ctx, trendID, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	return evaluateDrift(report, th), nil
}

func evaluateDrift(report Report, th DriftThresholds) []DriftAlert {
	if report.Resolved < th.MinResolved {
		return nil
	}

	var alerts []DriftAlert
	for _, b := range report.Buckets {
		if b.Count == 0 {
			continue
		}
		severity, ok := grade(b.AbsError, th.BucketWarn, th.BucketCritical)
		if !ok {
			continue
		}
		alerts = append(alerts, DriftAlert{
			TrendID:  report.TrendID,
			Severity: severity,
			Kind:     "bucket_error",
			Message: fmt.Sprintf("reliability bucket [%.1f, %.1f) off by %.3f over %d outcomes",
				b.Lower, b.Upper, b.AbsError, b.Count),
			Value: b.AbsError,
		})
	}

	if severity, ok := grade(report.MeanBrier, th.BrierWarn, th.BrierCritical); ok {
		alerts = append(alerts, DriftAlert{
			TrendID:  report.TrendID,
			Severity: severity,
			Kind:     "mean_brier",
			Message:  fmt.Sprintf("mean Brier score %.3f over %d resolved outcomes", report.MeanBrier, report.Resolved),
			Value:    report.MeanBrier,
		})
	}
	return alerts
}

func grade(value, warn, critical float64) (DriftSeverity, bool) {
	switch {
	case critical > 0 && value >= critical:
		return DriftCritical, true
	case warn > 0 && value >= warn:
		return DriftWarning, true
	default:
		return "", false
	}
}
