package binance

import (
	"context"
	"fmt"

	"github.com/coachpo/meltica-md/errs"
	"github.com/coachpo/meltica-md/internal/domain/schema"
	"github.com/coachpo/meltica-md/internal/infra/adapters/shared"
)

// SubscriptionRequest is a kind-tagged subscription as read from the config file or the
// control API. Bar is a spec such as "1-MINUTE-LAST" and only applies to bars.
type SubscriptionRequest struct {
	Kind       shared.SubscriptionKind
	Instrument schema.InstrumentID
	Depth      *int
	BookType   schema.BookType
	Bar        string
}

func (r SubscriptionRequest) bookType() schema.BookType {
	if r.BookType == "" {
		return schema.BookTypeL2
	}
	return r.BookType
}

func (c *DataClient) barSpec(req SubscriptionRequest) (schema.BarSpec, error) {
	spec, err := schema.ParseBarSpec(req.Instrument, req.Bar)
	if err != nil {
		return schema.BarSpec{}, errs.New(c.opts.Config.Name, errs.CodeUnsupportedBarSpec,
			errs.WithMessage(fmt.Sprintf("bar spec %q", req.Bar)), errs.WithCause(err))
	}
	return spec, nil
}

// Subscribe routes a request to the matching Subscribe* method.
func (c *DataClient) Subscribe(ctx context.Context, req SubscriptionRequest) error {
	if req.Instrument == "" {
		return errs.New(c.opts.Config.Name, errs.CodeInvalid, errs.WithMessage("instrument required"))
	}
	switch req.Kind {
	case shared.KindBookDeltas:
		return c.SubscribeOrderBookDeltas(ctx, req.Instrument, req.Depth, req.bookType())
	case shared.KindBookSnapshots:
		return c.SubscribeOrderBookSnapshots(ctx, req.Instrument, req.Depth, req.bookType())
	case shared.KindQuotes:
		return c.SubscribeQuotes(ctx, req.Instrument)
	case shared.KindTrades:
		return c.SubscribeTrades(ctx, req.Instrument)
	case shared.KindTicker:
		return c.SubscribeTicker(ctx, req.Instrument)
	case shared.KindMarkPrices:
		return c.SubscribeMarkPrices(ctx, req.Instrument)
	case shared.KindBars:
		spec, err := c.barSpec(req)
		if err != nil {
			return err
		}
		return c.SubscribeBars(ctx, spec)
	default:
		return errs.New(c.opts.Config.Name, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown subscription kind %q", req.Kind)))
	}
}

// Unsubscribe routes a request to the matching Unsubscribe* method.
func (c *DataClient) Unsubscribe(ctx context.Context, req SubscriptionRequest) error {
	switch req.Kind {
	case shared.KindBookDeltas:
		return c.UnsubscribeOrderBookDeltas(ctx, req.Instrument)
	case shared.KindBookSnapshots:
		return c.UnsubscribeOrderBookSnapshots(ctx, req.Instrument)
	case shared.KindQuotes:
		return c.UnsubscribeQuotes(ctx, req.Instrument)
	case shared.KindTrades:
		return c.UnsubscribeTrades(ctx, req.Instrument)
	case shared.KindTicker:
		return c.UnsubscribeTicker(ctx, req.Instrument)
	case shared.KindMarkPrices:
		return c.UnsubscribeMarkPrices(ctx, req.Instrument)
	case shared.KindBars:
		spec, err := c.barSpec(req)
		if err != nil {
			return err
		}
		return c.UnsubscribeBars(ctx, spec)
	default:
		return errs.New(c.opts.Config.Name, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown subscription kind %q", req.Kind)))
	}
}

// Instruments returns the catalogue ordered by id.
func (c *DataClient) Instruments() []schema.Instrument {
	return c.catalogue.all()
}
