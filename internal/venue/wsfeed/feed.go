package wsfeed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/simplearb/internal/domain"
)

// Wire messages.
type (
	subscribeMsg struct {
		Op          string   `json:"op"`
		Instruments []string `json:"instruments"`
	}

	quoteMsg struct {
		Type       string          `json:"type"`
		Instrument string          `json:"instrument"`
		Bid        decimal.Decimal `json:"bid"`
		Ask        decimal.Decimal `json:"ask"`
		BidSize    decimal.Decimal `json:"bid_size"`
		AskSize    decimal.Decimal `json:"ask_size"`
		TS         time.Time       `json:"ts"`
	}
)

// Feed is a domain.QuoteFeed over a JSON websocket. After connecting it sends
// {"op":"subscribe","instruments":[...]} and expects messages of type
// "quote"; other message types are ignored.
type Feed struct {
	venue  string
	url    string
	header http.Header
	logger *slog.Logger
}

// New creates a Feed for venue at url. header is sent with the handshake
// and may be nil.
func New(venue, url string, header http.Header, logger *slog.Logger) *Feed {
	return &Feed{
		venue:  venue,
		url:    url,
		header: header,
		logger: logger.With(slog.String("component", "wsfeed"), slog.String("venue", venue)),
	}
}

// Venue returns the venue name.
func (f *Feed) Venue() string { return f.venue }

// Subscribe dials the venue and subscribes to instruments.
func (f *Feed) Subscribe(ctx context.Context, instruments []string) (domain.QuoteStream, error) {
	conn, err := Dial(ctx, f.url, f.header)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteJSON(subscribeMsg{Op: "subscribe", Instruments: instruments}); err != nil {
		conn.Close()
		return nil, err
	}
	return &stream{feed: f, conn: conn}, nil
}

type stream struct {
	feed *Feed
	conn *Conn
}

func (s *stream) Recv(ctx context.Context) (domain.Quote, error) {
	for {
		select {
		case <-ctx.Done():
			return domain.Quote{}, ctx.Err()
		case raw, ok := <-s.conn.Messages():
			if !ok {
				err := s.conn.Err()
				if err == nil {
					err = domain.ErrWSDisconnect
				}
				return domain.Quote{}, &domain.FeedError{Venue: s.feed.venue, Err: err}
			}
			var m quoteMsg
			if err := json.Unmarshal(raw, &m); err != nil {
				s.feed.logger.Debug("dropping unparseable message", slog.String("error", err.Error()))
				continue
			}
			if m.Type != "quote" {
				continue
			}
			ts := m.TS
			if ts.IsZero() {
				ts = time.Now()
			}
			return domain.Quote{
				Venue:      s.feed.venue,
				Instrument: m.Instrument,
				Bid:        m.Bid,
				Ask:        m.Ask,
				BidSize:    m.BidSize,
				AskSize:    m.AskSize,
				ObservedAt: ts.UTC(),
			}, nil
		}
	}
}

func (s *stream) Close() error { return s.conn.Close() }
