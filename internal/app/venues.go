package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/simplearb/internal/config"
	"github.com/alanyoungcy/simplearb/internal/crypto"
	"github.com/alanyoungcy/simplearb/internal/domain"
	"github.com/alanyoungcy/simplearb/internal/venue/paper"
	"github.com/alanyoungcy/simplearb/internal/venue/rest"
	"github.com/alanyoungcy/simplearb/internal/venue/wsfeed"
)

// signingDomain names the EIP-712 domain order signatures are bound to.
const signingDomain = "simplearb"

// venueSet is every configured venue split by role.
type venueSet struct {
	feeds    []domain.QuoteFeed
	exec     []domain.ExecutionVenue
	balances map[string]domain.BalanceProvider
	// reports are the long-running report streams of REST venues.
	reports []func(ctx context.Context) error
	// simulators stop delivering reports once closed.
	simulators []*paper.Venue
}

// close stops every simulator's report delivery.
func (s *venueSet) close() {
	for _, v := range s.simulators {
		_ = v.Close()
	}
}

// buildVenues creates the adapters for cfg.Venues. Paper venues simulate
// both quotes and orders. A ws venue streams real quotes; its orders go to
// the REST endpoint in live mode and to a simulator otherwise, so paper mode
// never sends a real order. Simulators only size trades by balance when one
// is configured.
func buildVenues(cfg *config.Config, live bool, logger *slog.Logger) (*venueSet, error) {
	set := &venueSet{balances: make(map[string]domain.BalanceProvider, len(cfg.Venues))}

	for _, vc := range cfg.Venues {
		switch vc.Kind {
		case "paper":
			v := paper.New(vc.Name, paperConfig(vc), logger)
			set.feeds = append(set.feeds, v)
			set.exec = append(set.exec, v)
			set.simulators = append(set.simulators, v)
			if vc.Paper.Balance > 0 {
				set.balances[vc.Name] = v
			}

		case "ws":
			set.feeds = append(set.feeds, wsfeed.New(vc.Name, vc.FeedURL, feedHeader(vc), logger))
			if !live || vc.ExecURL == "" {
				sim := paper.New(vc.Name, paper.Config{
					FeeBps:  decimal.NewFromFloat(vc.FeeBps),
					Balance: decimal.NewFromFloat(vc.Paper.Balance),
				}, logger)
				set.exec = append(set.exec, sim)
				set.simulators = append(set.simulators, sim)
				if vc.Paper.Balance > 0 {
					set.balances[vc.Name] = sim
				}
				continue
			}
			client, err := restClient(vc, logger)
			if err != nil {
				return nil, fmt.Errorf("venue %s: %w", vc.Name, err)
			}
			set.exec = append(set.exec, client)
			set.balances[vc.Name] = client
			set.reports = append(set.reports, client.RunReports)

		default:
			return nil, fmt.Errorf("venue %s: unknown kind %q", vc.Name, vc.Kind)
		}
	}
	return set, nil
}

func paperConfig(vc config.VenueConfig) paper.Config {
	mid := make(map[string]decimal.Decimal, len(vc.Paper.Mid))
	for inst, m := range vc.Paper.Mid {
		mid[inst] = decimal.NewFromFloat(m)
	}
	return paper.Config{
		Mid:          mid,
		SpreadBps:    decimal.NewFromFloat(vc.Paper.SpreadBps),
		JitterBps:    decimal.NewFromFloat(vc.Paper.JitterBps),
		Depth:        decimal.NewFromFloat(vc.Paper.Depth),
		TickInterval: vc.Paper.TickInterval.Duration,
		Balance:      decimal.NewFromFloat(vc.Paper.Balance),
		FillRatio:    decimal.NewFromFloat(vc.Paper.FillRatio),
		RejectAll:    vc.Paper.RejectAll,
		FeeBps:       decimal.NewFromFloat(vc.FeeBps),
	}
}

func feedHeader(vc config.VenueConfig) http.Header {
	h := http.Header{}
	if vc.ApiKey != "" {
		h.Set(crypto.HeaderAPIKey, vc.ApiKey)
	}
	return h
}

// restClient builds the order-entry client, authenticated with an API
// secret, a wallet key, or both.
func restClient(vc config.VenueConfig, logger *slog.Logger) (*rest.Client, error) {
	var opts []rest.Option
	if vc.ApiKey != "" {
		opts = append(opts, rest.WithHMAC(&crypto.HMACAuth{
			Key:        vc.ApiKey,
			Secret:     vc.ApiSecret,
			Passphrase: vc.ApiPassphrase,
		}))
	}

	src := crypto.KeySource{
		RawPrivateKey:    vc.PrivateKey,
		EncryptedKeyPath: vc.EncryptedKeyPath,
		KeyPassword:      vc.KeyPassword,
	}
	if !src.Empty() {
		key, err := crypto.LoadKey(src)
		if err != nil {
			return nil, err
		}
		signer, err := crypto.NewSigner(key, signingDomain, vc.ChainID)
		if err != nil {
			return nil, err
		}
		logger.Info("wallet signer loaded",
			slog.String("venue", vc.Name),
			slog.String("address", signer.Address().Hex()),
		)
		opts = append(opts, rest.WithSigner(signer))
	}

	return rest.New(vc.Name, vc.ExecURL, vc.ReportsURL, logger, opts...), nil
}
