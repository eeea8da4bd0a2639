package market

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"binance-trader/pkg/exchanges/common"
)

// Message is one decoded stream payload. Combined-stream envelopes
// ({"stream":..,"data":{..}}) are unwrapped so Raw always holds the event object.
type Message struct {
	Stream string
	Event  string
	Raw    json.RawMessage
}

// DecodeMessage parses a raw websocket frame.
func DecodeMessage(data []byte) (Message, error) {
	var env struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
		Event  string          `json:"e"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", common.ErrMalformedMessage, err)
	}

	msg := Message{Stream: env.Stream, Event: env.Event, Raw: json.RawMessage(data)}
	if len(env.Data) > 0 {
		var inner struct {
			Event string `json:"e"`
		}
		if err := json.Unmarshal(env.Data, &inner); err != nil {
			return Message{}, fmt.Errorf("%w: data: %v", common.ErrMalformedMessage, err)
		}
		msg.Event = inner.Event
		msg.Raw = env.Data
	}
	return msg, nil
}

// ParseKline decodes a kline event ({"e":"kline","k":{...}}).
func ParseKline(raw []byte) (Kline, error) {
	var payload struct {
		K *struct {
			StartTime   int64  `json:"t"`
			CloseTime   int64  `json:"T"`
			Symbol      string `json:"s"`
			Interval    string `json:"i"`
			Open        any    `json:"o"`
			Close       any    `json:"c"`
			High        any    `json:"h"`
			Low         any    `json:"l"`
			Volume      any    `json:"v"`
			Trades      int    `json:"n"`
			Closed      bool   `json:"x"`
			QuoteVolume any    `json:"q"`
			TakerBase   any    `json:"V"`
			TakerQuote  any    `json:"Q"`
		} `json:"k"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Kline{}, fmt.Errorf("%w: %v", common.ErrMalformedMessage, err)
	}
	k := payload.K
	if k == nil || k.Symbol == "" {
		return Kline{}, fmt.Errorf("%w: not a kline event", common.ErrMalformedMessage)
	}
	return Kline{
		Symbol:              strings.ToUpper(k.Symbol),
		Interval:            k.Interval,
		OpenTime:            k.StartTime,
		CloseTime:           k.CloseTime,
		Open:                toFloat(k.Open),
		Close:               toFloat(k.Close),
		High:                toFloat(k.High),
		Low:                 toFloat(k.Low),
		Volume:              toFloat(k.Volume),
		QuoteVolume:         toFloat(k.QuoteVolume),
		NumberOfTrades:      k.Trades,
		TakerBuyBaseVolume:  toFloat(k.TakerBase),
		TakerBuyQuoteVolume: toFloat(k.TakerQuote),
		IsClosed:            k.Closed,
	}, nil
}

// KlineStreamName returns the raw stream name for a symbol/interval pair.
// Binance requires lowercase symbols for websocket streams.
func KlineStreamName(symbol, interval string) string {
	return fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), interval)
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case json.Number:
		f, _ := t.Float64()
		return f
	case float64:
		return t
	default:
		return 0
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case json.Number:
		i, _ := t.Int64()
		return i
	default:
		return 0
	}
}

func toInt(v any) int {
	return int(toInt64(v))
}
