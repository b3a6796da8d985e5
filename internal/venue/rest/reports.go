package rest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/simplearb/internal/domain"
	"github.com/alanyoungcy/simplearb/internal/venue/wsfeed"
)

type reportMsg struct {
	Type           string          `json:"type"`
	IdempotencyKey string          `json:"idempotency_key"`
	FillID         string          `json:"fill_id"`
	Instrument     string          `json:"instrument"`
	Side           domain.Side     `json:"side"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	Fee            decimal.Decimal `json:"fee"`
	Reason         string          `json:"reason"`
	TS             time.Time       `json:"ts"`
}

// RunReports consumes the venue's report channel until ctx is cancelled,
// reconnecting with backoff whenever the connection drops.
func (c *Client) RunReports(ctx context.Context) error {
	if c.reportsURL == "" {
		c.logger.Info("no report channel configured")
		<-ctx.Done()
		return ctx.Err()
	}
	retry := 0
	for {
		n, err := c.reportSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if n > 0 {
			retry = 0
		}
		c.logger.WarnContext(ctx, "report stream disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Int("retry", retry),
		)
		if !c.policy.Sleep(ctx.Done(), retry) {
			return ctx.Err()
		}
		retry++
	}
}

func (c *Client) reportSession(ctx context.Context) (int, error) {
	path := "/"
	if u, err := url.Parse(c.reportsURL); err == nil {
		path = u.Path
	}
	hdr, err := c.authHeaders("GET", path, "")
	if err != nil {
		return 0, err
	}
	conn, err := wsfeed.Dial(ctx, c.reportsURL, hdr)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	c.logger.InfoContext(ctx, "report stream connected")

	n := 0
	for {
		select {
		case <-ctx.Done():
			return n, ctx.Err()
		case raw, ok := <-conn.Messages():
			if !ok {
				err := conn.Err()
				if err == nil {
					err = domain.ErrWSDisconnect
				}
				return n, err
			}
			r, ok := c.parseReport(raw)
			if !ok {
				continue
			}
			n++
			select {
			case c.reports <- r:
			case <-ctx.Done():
				return n, ctx.Err()
			}
		}
	}
}

func (c *Client) parseReport(raw []byte) (domain.ExecutionReport, bool) {
	var m reportMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		c.logger.Debug("dropping unparseable report", slog.String("error", err.Error()))
		return domain.ExecutionReport{}, false
	}
	if m.IdempotencyKey == "" {
		return domain.ExecutionReport{}, false
	}
	at := m.TS
	if at.IsZero() {
		at = time.Now()
	}
	r := domain.ExecutionReport{
		IdempotencyKey: m.IdempotencyKey,
		Venue:          c.name,
		Reason:         m.Reason,
		At:             at.UTC(),
	}
	switch m.Type {
	case "fill":
		r.Kind = domain.ReportFill
		r.Fill = &domain.Fill{
			ID:             m.FillID,
			IdempotencyKey: m.IdempotencyKey,
			Venue:          c.name,
			Instrument:     m.Instrument,
			Side:           m.Side,
			Price:          m.Price,
			Quantity:       m.Quantity,
			Fee:            m.Fee,
			FilledAt:       r.At,
		}
	case "reject":
		r.Kind = domain.ReportReject
	case "expire", "cancel":
		r.Kind = domain.ReportExpire
	default:
		return domain.ExecutionReport{}, false
	}
	return r, true
}
