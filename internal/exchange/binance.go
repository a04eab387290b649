// binance.go implements the Binance spot adapter: HMAC-SHA256 query
// signing, a combined-stream WebSocket decoder, and the unified Adapter
// contract.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"coinflow-trader/internal/config"
	"coinflow-trader/internal/xerrors"
	"coinflow-trader/pkg/types"
)

const (
	binanceRESTBaseURL = "https://api.binance.com"
	binanceWSBaseURL   = "wss://stream.binance.com:9443/stream"
)

// binanceSigner signs query strings with HMAC-SHA256 over the
// concatenated, alphabetically-sorted parameters plus a timestamp —
// Binance's documented "SIGNED" endpoint convention.
type binanceSigner struct {
	apiKey string
	secret string
}

func (s binanceSigner) Sign(method, path string, query map[string]string, body []byte) (map[string]string, error) {
	if query == nil {
		query = map[string]string{}
	}
	query["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)

	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(query[k]))
	}

	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write([]byte(sb.String()))
	signature := hex.EncodeToString(mac.Sum(nil))
	query["signature"] = signature

	return map[string]string{"X-MBX-APIKEY": s.apiKey}, nil
}

// BinanceAdapter implements Adapter for Binance spot trading.
type BinanceAdapter struct {
	venue  string
	http   *HTTPClient
	stream *StreamSession
	caps   types.Capabilities
	sink   EventSink
	logger *slog.Logger
}

// SetSink wires the market data bus that decoded stream events are
// forwarded to. Called once by the composition root after construction.
func (a *BinanceAdapter) SetSink(sink EventSink) { a.sink = sink }

// NewBinanceAdapter satisfies Constructor for registry registration.
func NewBinanceAdapter(venue string, cfg config.ExchangeConfig, logger *slog.Logger) (Adapter, error) {
	if cfg.ApiKey == "" || cfg.Secret == "" {
		return nil, xerrors.New(xerrors.KindConfig, "binance requires api_key and secret")
	}

	rl := NewRateLimiter(cfg.RateLimitBudget())
	signer := binanceSigner{apiKey: cfg.ApiKey, secret: cfg.Secret}
	httpClient := NewHTTPClient(venue, binanceRESTBaseURL, rl, signer, logger)

	caps := types.Capabilities{
		Venue: venue,
		SupportedOrderTypes: map[types.OrderType]bool{
			types.OrderTypeLimit:  true,
			types.OrderTypeMarket: true,
			types.OrderTypeStopLimit: true,
		},
		SupportsClientIDLookup: true,
	}

	a := &BinanceAdapter{venue: venue, http: httpClient, caps: caps, logger: logger.With("venue", venue)}
	a.stream = NewStreamSession(venue, binanceWSBaseURL, &binanceDecoder{}, a, logger)
	return a, nil
}

func (a *BinanceAdapter) Venue() string                      { return a.venue }
func (a *BinanceAdapter) Capabilities() types.Capabilities    { return a.caps }
func (a *BinanceAdapter) Stream() *StreamSession              { return a.stream }
func (a *BinanceAdapter) Connect(ctx context.Context) error    { return nil }
func (a *BinanceAdapter) Disconnect(ctx context.Context) error { return a.stream.Close() }

// Publish satisfies EventSink so the stream can hand decoded frames back
// to the adapter, which in turn forwards them to whatever market.Bus the
// composition root wired it to (set via SetSink).
func (a *BinanceAdapter) Publish(channel types.ChannelType, symbol types.Symbol, event any) {
	if a.sink != nil {
		a.sink.Publish(channel, symbol, event)
	}
}

func binanceSymbol(s types.Symbol) string {
	return strings.ToUpper(s.Base() + s.Quote())
}

func (a *BinanceAdapter) GetMarkets(ctx context.Context) ([]types.MarketMeta, error) {
	body, err := a.http.Request(ctx, RequestOptions{Method: http.MethodGet, Path: "/api/v3/exchangeInfo", Class: ClassQuery})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Symbols []struct {
			Symbol     string `json:"symbol"`
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
			Filters    []struct {
				FilterType string `json:"filterType"`
				MinQty     string `json:"minQty"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "decode exchangeInfo", err).WithVenue(a.venue)
	}

	markets := make([]types.MarketMeta, 0, len(resp.Symbols))
	for _, s := range resp.Symbols {
		m := types.MarketMeta{
			Symbol: types.NewSymbol(s.BaseAsset, s.QuoteAsset),
			Base:   s.BaseAsset,
			Quote:  s.QuoteAsset,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				m.MinQty, _ = decimal.NewFromString(f.MinQty)
			case "MIN_NOTIONAL", "NOTIONAL":
				m.MinNotional, _ = decimal.NewFromString(f.MinNotional)
			}
		}
		markets = append(markets, m)
	}
	return markets, nil
}

func (a *BinanceAdapter) GetTicker(ctx context.Context, symbol types.Symbol) (types.Ticker, error) {
	body, err := a.http.Request(ctx, RequestOptions{
		Method: http.MethodGet,
		Path:   "/api/v3/ticker/bookTicker",
		Query:  map[string]string{"symbol": binanceSymbol(symbol)},
		Class:  ClassQuery,
	})
	if err != nil {
		return types.Ticker{}, err
	}
	var resp struct {
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return types.Ticker{}, xerrors.Wrap(xerrors.KindInternal, "decode bookTicker", err).WithVenue(a.venue)
	}
	bid, _ := decimal.NewFromString(resp.BidPrice)
	ask, _ := decimal.NewFromString(resp.AskPrice)
	return types.Ticker{Venue: a.venue, Symbol: symbol, Bid: bid, Ask: ask, Timestamp: time.Now()}, nil
}

func (a *BinanceAdapter) GetOrderBook(ctx context.Context, symbol types.Symbol, depth int) (types.OrderBookSnapshot, error) {
	body, err := a.http.Request(ctx, RequestOptions{
		Method: http.MethodGet,
		Path:   "/api/v3/depth",
		Query:  map[string]string{"symbol": binanceSymbol(symbol), "limit": strconv.Itoa(depth)},
		Class:  ClassQuery,
	})
	if err != nil {
		return types.OrderBookSnapshot{}, err
	}
	var resp struct {
		LastUpdateID int64      `json:"lastUpdateId"`
		Bids         [][]string `json:"bids"`
		Asks         [][]string `json:"asks"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return types.OrderBookSnapshot{}, xerrors.Wrap(xerrors.KindInternal, "decode depth", err).WithVenue(a.venue)
	}
	return types.OrderBookSnapshot{
		Venue:        a.venue,
		Symbol:       symbol,
		Bids:         levelsFromPairs(resp.Bids),
		Asks:         levelsFromPairs(resp.Asks),
		LastUpdateID: resp.LastUpdateID,
		Timestamp:    time.Now(),
	}, nil
}

func levelsFromPairs(pairs [][]string) []types.PriceLevel {
	levels := make([]types.PriceLevel, 0, len(pairs))
	for _, p := range pairs {
		if len(p) != 2 {
			continue
		}
		price, _ := decimal.NewFromString(p[0])
		size, _ := decimal.NewFromString(p[1])
		levels = append(levels, types.PriceLevel{Price: price, Size: size})
	}
	return levels
}

func (a *BinanceAdapter) GetBalance(ctx context.Context) (map[string]types.Balance, error) {
	body, err := a.http.Request(ctx, RequestOptions{
		Method:       http.MethodGet,
		Path:         "/api/v3/account",
		AuthRequired: true,
		Class:        ClassQuery,
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "decode account", err).WithVenue(a.venue)
	}
	balances := make(map[string]types.Balance, len(resp.Balances))
	for _, b := range resp.Balances {
		free, _ := decimal.NewFromString(b.Free)
		used, _ := decimal.NewFromString(b.Locked)
		balances[b.Asset] = types.Balance{Asset: b.Asset, Free: free, Used: used, Total: free.Add(used)}
	}
	return balances, nil
}

func (a *BinanceAdapter) CreateOrder(ctx context.Context, req CreateOrderRequest) (types.Order, error) {
	if !a.caps.Supports(req.Type) {
		return types.Order{}, xerrors.New(xerrors.KindUnsupported, fmt.Sprintf("binance does not support order type %s", req.Type)).WithVenue(a.venue)
	}
	query := map[string]string{
		"symbol":           binanceSymbol(req.Symbol),
		"side":             strings.ToUpper(string(req.Side)),
		"type":             binanceOrderType(req.Type),
		"quantity":         req.Quantity.String(),
		"newClientOrderId": req.ClientID,
	}
	if req.Type != types.OrderTypeMarket {
		query["price"] = req.Price.String()
		query["timeInForce"] = string(req.TimeInForce)
	}

	body, err := a.http.Request(ctx, RequestOptions{
		Method:       http.MethodPost,
		Path:         "/api/v3/order",
		Query:        query,
		AuthRequired: true,
		Class:        ClassOrder,
		Mutating:     true,
	})
	if err != nil {
		return types.Order{}, err
	}
	return a.decodeOrderResponse(body, req.Symbol)
}

func binanceOrderType(t types.OrderType) string {
	switch t {
	case types.OrderTypeMarket:
		return "MARKET"
	case types.OrderTypeStopLimit:
		return "STOP_LOSS_LIMIT"
	default:
		return "LIMIT"
	}
}

func (a *BinanceAdapter) decodeOrderResponse(body []byte, symbol types.Symbol) (types.Order, error) {
	var resp struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Status        string `json:"status"`
		Price         string `json:"price"`
		OrigQty       string `json:"origQty"`
		ExecutedQty   string `json:"executedQty"`
		Side          string `json:"side"`
		Type          string `json:"type"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return types.Order{}, xerrors.Wrap(xerrors.KindInternal, "decode order response", err).WithVenue(a.venue)
	}
	price, _ := decimal.NewFromString(resp.Price)
	qty, _ := decimal.NewFromString(resp.OrigQty)
	filled, _ := decimal.NewFromString(resp.ExecutedQty)
	return types.Order{
		OrderID:        strconv.FormatInt(resp.OrderID, 10),
		ClientID:       resp.ClientOrderID,
		Venue:          a.venue,
		Symbol:         symbol,
		Side:           types.Side(strings.ToLower(resp.Side)),
		Price:          price,
		Quantity:       qty,
		FilledQuantity: filled,
		Status:         binanceStatus(resp.Status),
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}, nil
}

func binanceStatus(s string) types.OrderStatus {
	switch s {
	case "NEW":
		return types.OrderNew
	case "PARTIALLY_FILLED":
		return types.OrderPartiallyFilled
	case "FILLED":
		return types.OrderFilled
	case "CANCELED", "PENDING_CANCEL":
		return types.OrderCanceled
	case "REJECTED":
		return types.OrderRejected
	case "EXPIRED":
		return types.OrderExpired
	default:
		return types.OrderNew
	}
}

func (a *BinanceAdapter) CancelOrder(ctx context.Context, orderID string, symbol types.Symbol) (types.Order, error) {
	body, err := a.http.Request(ctx, RequestOptions{
		Method:       http.MethodDelete,
		Path:         "/api/v3/order",
		Query:        map[string]string{"symbol": binanceSymbol(symbol), "orderId": orderID},
		AuthRequired: true,
		Class:        ClassCancel,
		Mutating:     true,
	})
	if err != nil {
		if xerrors.Is(err, xerrors.KindInvalidOrder) {
			// Cancel against an already-terminal order is a no-op success.
			return types.Order{OrderID: orderID, Symbol: symbol, Venue: a.venue, Status: types.OrderCanceled}, nil
		}
		return types.Order{}, err
	}
	return a.decodeOrderResponse(body, symbol)
}

func (a *BinanceAdapter) GetOpenOrders(ctx context.Context, symbol types.Symbol) ([]types.Order, error) {
	query := map[string]string{}
	if symbol != "" {
		query["symbol"] = binanceSymbol(symbol)
	}
	body, err := a.http.Request(ctx, RequestOptions{
		Method:       http.MethodGet,
		Path:         "/api/v3/openOrders",
		Query:        query,
		AuthRequired: true,
		Class:        ClassQuery,
	})
	if err != nil {
		return nil, err
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "decode openOrders", err).WithVenue(a.venue)
	}
	orders := make([]types.Order, 0, len(raw))
	for _, r := range raw {
		o, err := a.decodeOrderResponse(r, symbol)
		if err != nil {
			continue
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func (a *BinanceAdapter) GetOrder(ctx context.Context, orderID string, symbol types.Symbol) (types.Order, error) {
	body, err := a.http.Request(ctx, RequestOptions{
		Method:       http.MethodGet,
		Path:         "/api/v3/order",
		Query:        map[string]string{"symbol": binanceSymbol(symbol), "orderId": orderID},
		AuthRequired: true,
		Class:        ClassQuery,
	})
	if err != nil {
		return types.Order{}, err
	}
	return a.decodeOrderResponse(body, symbol)
}

// binanceDecoder implements Decoder for Binance's combined-stream frames.
type binanceDecoder struct{}

func (d *binanceDecoder) Decode(frame []byte) (any, types.ChannelType, types.Symbol, bool) {
	var envelope struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &envelope); err != nil || envelope.Stream == "" {
		return nil, "", "", false
	}

	parts := strings.SplitN(envelope.Stream, "@", 2)
	if len(parts) != 2 {
		return nil, "", "", false
	}
	symbol := types.NewSymbol(strings.ToUpper(parts[0][:len(parts[0])/2]), strings.ToUpper(parts[0][len(parts[0])/2:]))

	switch {
	case strings.HasPrefix(parts[1], "bookTicker"):
		var t struct {
			BidPrice string `json:"b"`
			AskPrice string `json:"a"`
		}
		if err := json.Unmarshal(envelope.Data, &t); err != nil {
			return nil, "", "", false
		}
		bid, _ := decimal.NewFromString(t.BidPrice)
		ask, _ := decimal.NewFromString(t.AskPrice)
		return types.Ticker{Venue: "binance", Symbol: symbol, Bid: bid, Ask: ask, Timestamp: time.Now()}, types.ChannelTicker, symbol, true
	case strings.HasPrefix(parts[1], "trade"):
		var tr struct {
			Price string `json:"p"`
			Qty   string `json:"q"`
			ID    int64  `json:"t"`
		}
		if err := json.Unmarshal(envelope.Data, &tr); err != nil {
			return nil, "", "", false
		}
		price, _ := decimal.NewFromString(tr.Price)
		size, _ := decimal.NewFromString(tr.Qty)
		return types.Trade{Venue: "binance", Symbol: symbol, Price: price, Size: size, TradeID: strconv.FormatInt(tr.ID, 10), Timestamp: time.Now()}, types.ChannelTrade, symbol, true
	default:
		return nil, "", "", false
	}
}

func (d *binanceDecoder) SubscribeFrame(subs []Subscription) (any, error) {
	streams := make([]string, 0, len(subs))
	for _, s := range subs {
		streams = append(streams, binanceStreamName(s))
	}
	return map[string]any{"method": "SUBSCRIBE", "params": streams, "id": time.Now().UnixNano()}, nil
}

func (d *binanceDecoder) UnsubscribeFrame(subs []Subscription) (any, error) {
	streams := make([]string, 0, len(subs))
	for _, s := range subs {
		streams = append(streams, binanceStreamName(s))
	}
	return map[string]any{"method": "UNSUBSCRIBE", "params": streams, "id": time.Now().UnixNano()}, nil
}

func (d *binanceDecoder) AuthFrame() (any, error) {
	// Binance user-data streams authenticate via a listenKey obtained
	// over REST, not a WS handshake frame.
	return nil, nil
}

func binanceStreamName(s Subscription) string {
	sym := strings.ToLower(string(s.Symbol.Base()) + string(s.Symbol.Quote()))
	switch s.Channel {
	case types.ChannelTicker:
		return sym + "@bookTicker"
	case types.ChannelTrade:
		return sym + "@trade"
	case types.ChannelOrderBook:
		return sym + "@depth"
	default:
		return sym + "@bookTicker"
	}
}
