package engine

import (
	"fmt"
	"log/slog"
)

// NoticeKind classifies a structured simulation result.
type NoticeKind string

const (
	NoticeDemandUnmet                NoticeKind = "demand_unmet"
	NoticeOverBudget                 NoticeKind = "over_budget"
	NoticeOptimizationTimeout        NoticeKind = "optimization_timeout"
	NoticeInvalidLifecycleTransition NoticeKind = "invalid_lifecycle_transition"
)

// Notice is a non-fatal condition raised during a tick or an edit. Presentation
// is left to the caller.
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Year    int        `json:"year"`
	Society string     `json:"society,omitempty"`
	Sector  string     `json:"sector,omitempty"`
	Amount  float64    `json:"amount,omitempty"`
	Message string     `json:"message"`
}

func (n Notice) String() string {
	return fmt.Sprintf("%d %s %s/%s: %s", n.Year, n.Kind, n.Society, n.Sector, n.Message)
}

// maxNotices bounds the retained history.
const maxNotices = 1000

// emit records a notice and logs it at the level its kind deserves.
func (s *Simulation) emit(n Notice) {
	s.notices = append(s.notices, n)
	if len(s.notices) > maxNotices {
		s.notices = s.notices[len(s.notices)-maxNotices:]
	}

	attrs := []any{"kind", n.Kind, "year", n.Year, "society", n.Society}
	if n.Sector != "" {
		attrs = append(attrs, "sector", n.Sector)
	}
	if n.Amount != 0 {
		attrs = append(attrs, "amount", fmt.Sprintf("%.3f", n.Amount))
	}
	switch n.Kind {
	case NoticeOptimizationTimeout:
		slog.Error(n.Message, attrs...)
	default:
		slog.Warn(n.Message, attrs...)
	}
}
