// Package reconciliation checks stored deal state against the chat message
// logs it is derived from.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/trustmarket/internal/chat"
	"github.com/mbd888/trustmarket/internal/metrics"
)

// Finding kinds.
const (
	KindStatusDrift = "status_drift" // stored status differs from the replayed log
	KindOfferDrift  = "offer_drift"  // stored active offer differs from the replayed log
	KindUnsettled   = "unsettled"    // completed deal whose post is unsold or whose buyer still has pending orders
)

// DefaultBatchSize is the page size used to walk the chat store.
const DefaultBatchSize = 500

// ChatSource is the part of the chat store reconciliation reads.
type ChatSource interface {
	ListByStatus(ctx context.Context, statuses []chat.DealStatus, afterID string, limit int) ([]*chat.Chat, error)
	ListMessages(ctx context.Context, chatID string, limit int) ([]*chat.Message, error)
}

// Settlement reports and repairs the listing side of completed deals.
type Settlement interface {
	IsSettled(ctx context.Context, postID, buyerID string) (bool, error)
	SettleDeal(ctx context.Context, postID, buyerID string) error
}

// Finding is one disagreement found during a run.
type Finding struct {
	ChatID   string `json:"chatId"`
	Kind     string `json:"kind"`
	Stored   string `json:"stored"`
	Replayed string `json:"replayed"`
	Repaired bool   `json:"repaired"`
}

// Report summarizes one run.
type Report struct {
	Checked  int           `json:"checked"`
	Findings []Finding     `json:"findings"`
	Errors   int           `json:"errors"`
	Duration time.Duration `json:"duration"`
}

// Runner performs reconciliation passes.
type Runner struct {
	chats     ChatSource
	settle    Settlement
	batchSize int
	logger    *slog.Logger
}

// NewRunner creates a reconciliation runner over the chat store.
func NewRunner(chats ChatSource, logger *slog.Logger) *Runner {
	return &Runner{chats: chats, batchSize: DefaultBatchSize, logger: logger}
}

// WithSettlement enables the unsettled-deal check and its repair.
func (r *Runner) WithSettlement(s Settlement) *Runner {
	r.settle = s
	return r
}

// WithBatchSize sets how many chats are read per page.
func (r *Runner) WithBatchSize(n int) *Runner {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

// RunAll replays every non-open chat and compares it with the stored row.
// Status drift is reported, never rewritten. Unsettled completed deals get
// the settlement hook re-applied.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	statuses := []chat.DealStatus{
		chat.StatusAccepted, chat.StatusPaid, chat.StatusShipped, chat.StatusCompleted,
	}

	report := &Report{Findings: []Finding{}}
	after := ""
	for {
		chats, err := r.chats.ListByStatus(ctx, statuses, after, r.batchSize)
		if err != nil {
			reconcileErrors.Inc()
			return report, fmt.Errorf("failed to list chats: %w", err)
		}
		for _, c := range chats {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.Checked++
			findings, err := r.check(ctx, c)
			if err != nil {
				report.Errors++
				reconcileErrors.Inc()
				r.logger.Warn("reconciliation check failed", "chatId", c.ID, "error", err)
			}
			report.Findings = append(report.Findings, findings...)
		}
		if len(chats) < r.batchSize {
			break
		}
		after = chats[len(chats)-1].ID
	}
	report.Duration = time.Since(start)

	lastRunFindings.Set(float64(len(report.Findings)))
	lastRunChecked.Set(float64(report.Checked))
	if len(report.Findings) > 0 {
		r.logger.Warn("reconciliation found mismatches",
			"checked", report.Checked, "findings", len(report.Findings))
	} else {
		r.logger.Debug("reconciliation clean", "checked", report.Checked)
	}
	return report, nil
}

func (r *Runner) check(ctx context.Context, c *chat.Chat) ([]Finding, error) {
	msgs, err := r.chats.ListMessages(ctx, c.ID, 0)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	var findings []Finding
	status, offer := chat.Replay(msgs)
	if status != c.DealStatus {
		findings = append(findings, r.record(Finding{
			ChatID: c.ID, Kind: KindStatusDrift, Stored: string(c.DealStatus), Replayed: string(status),
		}))
	}
	if offer != c.ActiveOfferID {
		findings = append(findings, r.record(Finding{
			ChatID: c.ID, Kind: KindOfferDrift, Stored: c.ActiveOfferID, Replayed: offer,
		}))
	}

	if r.settle == nil || c.DealStatus != chat.StatusCompleted {
		return findings, nil
	}
	settled, err := r.settle.IsSettled(ctx, c.PostID, c.BuyerID)
	if err != nil {
		return findings, fmt.Errorf("settlement check: %w", err)
	}
	if settled {
		return findings, nil
	}
	f := Finding{ChatID: c.ID, Kind: KindUnsettled, Stored: "unsettled", Replayed: string(chat.StatusCompleted)}
	if err := r.settle.SettleDeal(ctx, c.PostID, c.BuyerID); err != nil {
		findings = append(findings, r.record(f))
		return findings, fmt.Errorf("settle deal: %w", err)
	}
	f.Repaired = true
	findings = append(findings, r.record(f))
	return findings, nil
}

func (r *Runner) record(f Finding) Finding {
	metrics.ReconciliationMismatches.WithLabelValues(f.Kind).Inc()
	r.logger.Warn("reconciliation mismatch",
		"chatId", f.ChatID, "kind", f.Kind, "stored", f.Stored, "replayed", f.Replayed, "repaired", f.Repaired)
	return f
}
