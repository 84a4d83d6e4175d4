package api

import (
	"brokerlink/internal/alert"
	"brokerlink/internal/domain"
	"brokerlink/internal/engine"
	"brokerlink/internal/notify"
	"brokerlink/pkg/brokerlink"
)

func convertConnection(c domain.BrokerConnection) brokerlink.Connection {
	return brokerlink.Connection{
		Broker:    string(c.Broker),
		Status:    string(c.Status),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func convertInstrument(i *domain.Instrument) *brokerlink.Instrument {
	if i == nil {
		return nil
	}
	return &brokerlink.Instrument{
		ID:       i.ID,
		Symbol:   i.Symbol,
		Market:   string(i.Market),
		Exchange: i.Exchange,
		Name:     i.Name,
		Metadata: i.Metadata,
	}
}

func convertOrder(o *domain.Order) *brokerlink.Order {
	if o == nil {
		return nil
	}
	return &brokerlink.Order{
		ID:           o.ID,
		Broker:       string(o.Broker),
		InstrumentID: o.InstrumentID,
		Side:         string(o.Side),
		Type:         string(o.Type),
		Qty:          o.Qty,
		LimitPrice:   o.LimitPrice,
		ExternalID:   o.ExternalID,
		Status:       string(o.Status),
		Raw:          o.RawPayload,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
	}
}

func convertPosition(p domain.Position) brokerlink.Position {
	return brokerlink.Position{
		Broker:       string(p.Broker),
		InstrumentID: p.InstrumentID,
		Qty:          p.Qty,
		AvgPrice:     p.AvgPrice,
		Raw:          p.Raw,
		UpdatedAt:    p.UpdatedAt,
	}
}

func convertSummary(s domain.AccountSummary) brokerlink.AccountSummary {
	return brokerlink.AccountSummary{
		Broker:      string(s.Broker),
		Equity:      s.Equity,
		Cash:        s.Cash,
		BuyingPower: s.BuyingPower,
		Raw:         s.Raw,
	}
}

func convertQuote(q domain.Quote) brokerlink.Quote {
	return brokerlink.Quote{InstrumentID: q.InstrumentID, Last: q.Last, TS: q.Time}
}

func convertCandle(c domain.Candle) brokerlink.Candle {
	return brokerlink.Candle{T: c.Time, O: c.Open, H: c.High, L: c.Low, C: c.Close, V: c.Volume}
}

func convertRule(r *domain.AlertRule) brokerlink.AlertRule {
	params := r.Params
	if params == nil {
		params = map[string]any{}
	}
	return brokerlink.AlertRule{
		ID:           r.ID,
		InstrumentID: r.InstrumentID,
		Type:         string(r.Kind),
		Params:       params,
		Enabled:      r.Enabled,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func convertBatch(b *alert.BatchResult) brokerlink.EvaluationResult {
	return brokerlink.EvaluationResult{
		Evaluated:    b.Evaluated,
		Fired:        b.Fired,
		Deduplicated: b.Deduplicated,
		Failed:       b.Failed,
	}
}

func convertDevice(d domain.Device) brokerlink.Device {
	return brokerlink.Device{Token: d.Token, Platform: d.Platform, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt}
}

func convertInboxItem(it notify.InboxItem) brokerlink.InboxEvent {
	return brokerlink.InboxEvent{
		ID:          it.ID,
		RuleID:      it.RuleID,
		Type:        string(it.RuleKind),
		Instrument:  convertInstrument(it.Instrument),
		Payload:     it.Payload,
		TriggeredAt: it.TriggeredAt,
	}
}

func convertSync(res *engine.ReconcileResult, errs []string) brokerlink.SyncResult {
	out := brokerlink.SyncResult{Updated: []brokerlink.ConnectionCount{}, Errors: errs}
	if res == nil {
		return out
	}
	for _, c := range res.Updated {
		out.Updated = append(out.Updated, brokerlink.ConnectionCount{Broker: string(c.Broker), Count: c.Count})
	}
	out.Total = res.Total()
	return out
}
