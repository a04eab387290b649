// kraken.go implements the Kraken adapter: nonce-based HMAC-SHA512
// signing over SHA256(nonce + postdata) prefixed with the URI path (the
// scheme Kraken's private REST endpoints require), and Kraken's own
// asset-pair naming (e.g. "XBTUSD" rather than "BTC/USD").
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"coinflow-trader/internal/config"
	"coinflow-trader/internal/xerrors"
	"coinflow-trader/pkg/types"
)

const (
	krakenRESTBaseURL = "https://api.kraken.com"
	krakenWSBaseURL   = "wss://ws.kraken.com/v2"
)

// krakenSigner implements Kraken's private-endpoint signing scheme:
// HMAC-SHA512(secret, path + SHA256(nonce + postdata)), base64 encoded.
type krakenSigner struct {
	apiKey string
	secret []byte // base64-decoded
	nonce  atomic.Int64
}

func newKrakenSigner(apiKey, secretB64 string) (*krakenSigner, error) {
	decoded, err := base64.StdEncoding.DecodeString(secretB64)
	if err != nil {
		return nil, fmt.Errorf("decode kraken secret: %w", err)
	}
	s := &krakenSigner{apiKey: apiKey, secret: decoded}
	s.nonce.Store(time.Now().UnixNano() / int64(time.Millisecond))
	return s, nil
}

func (s *krakenSigner) Sign(method, path string, query map[string]string, body []byte) (map[string]string, error) {
	if query == nil {
		query = map[string]string{}
	}
	nonce := strconv.FormatInt(s.nonce.Add(1), 10)
	query["nonce"] = nonce

	postData := url.Values{}
	for k, v := range query {
		postData.Set(k, v)
	}
	encoded := postData.Encode()

	shaSum := sha256.Sum256([]byte(nonce + encoded))
	mac := hmac.New(sha512.New, s.secret)
	mac.Write([]byte(path))
	mac.Write(shaSum[:])
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return map[string]string{
		"API-Key":  s.apiKey,
		"API-Sign": signature,
	}, nil
}

// KrakenAdapter implements Adapter for Kraken spot trading.
type KrakenAdapter struct {
	venue  string
	http   *HTTPClient
	stream *StreamSession
	caps   types.Capabilities
	sink   EventSink
	logger *slog.Logger
}

// NewKrakenAdapter satisfies Constructor for registry registration.
func NewKrakenAdapter(venue string, cfg config.ExchangeConfig, logger *slog.Logger) (Adapter, error) {
	if cfg.ApiKey == "" || cfg.Secret == "" {
		return nil, xerrors.New(xerrors.KindConfig, "kraken requires api_key and secret")
	}
	signer, err := newKrakenSigner(cfg.ApiKey, cfg.Secret)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindConfig, "kraken secret is not valid base64", err)
	}

	rl := NewRateLimiter(cfg.RateLimitBudget())
	httpClient := NewHTTPClient(venue, krakenRESTBaseURL, rl, signer, logger)

	caps := types.Capabilities{
		Venue: venue,
		SupportedOrderTypes: map[types.OrderType]bool{
			types.OrderTypeLimit:  true,
			types.OrderTypeMarket: true,
		},
		SupportsClientIDLookup: false,
	}

	a := &KrakenAdapter{venue: venue, http: httpClient, caps: caps, logger: logger.With("venue", venue)}
	a.stream = NewStreamSession(venue, krakenWSBaseURL, &krakenDecoder{}, a, logger)
	return a, nil
}

func (a *KrakenAdapter) SetSink(sink EventSink) { a.sink = sink }

func (a *KrakenAdapter) Venue() string                      { return a.venue }
func (a *KrakenAdapter) Capabilities() types.Capabilities    { return a.caps }
func (a *KrakenAdapter) Stream() *StreamSession              { return a.stream }
func (a *KrakenAdapter) Connect(ctx context.Context) error    { return nil }
func (a *KrakenAdapter) Disconnect(ctx context.Context) error { return a.stream.Close() }

func (a *KrakenAdapter) Publish(channel types.ChannelType, symbol types.Symbol, event any) {
	if a.sink != nil {
		a.sink.Publish(channel, symbol, event)
	}
}

// krakenPair renders Kraken's idiosyncratic asset-pair naming: BTC is
// XBT, and the pair is the concatenation with no separator.
func krakenPair(s types.Symbol) string {
	base := s.Base()
	if base == "BTC" {
		base = "XBT"
	}
	return base + s.Quote()
}

func (a *KrakenAdapter) GetMarkets(ctx context.Context) ([]types.MarketMeta, error) {
	body, err := a.http.Request(ctx, RequestOptions{Method: http.MethodGet, Path: "/0/public/AssetPairs", Class: ClassQuery})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Result map[string]struct {
			Base         string `json:"base"`
			Quote        string `json:"quote"`
			OrderMin     string `json:"ordermin"`
			PairDecimals int    `json:"pair_decimals"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "decode AssetPairs", err).WithVenue(a.venue)
	}
	markets := make([]types.MarketMeta, 0, len(resp.Result))
	for _, p := range resp.Result {
		minQty, _ := decimal.NewFromString(p.OrderMin)
		base := normalizeKrakenAsset(p.Base)
		quote := normalizeKrakenAsset(p.Quote)
		markets = append(markets, types.MarketMeta{
			Symbol:         types.NewSymbol(base, quote),
			Base:           base,
			Quote:          quote,
			PricePrecision: p.PairDecimals,
			MinQty:         minQty,
		})
	}
	return markets, nil
}

func normalizeKrakenAsset(a string) string {
	switch a {
	case "XXBT", "XBT":
		return "BTC"
	case "ZUSD":
		return "USD"
	case "ZEUR":
		return "EUR"
	default:
		return strings.TrimPrefix(strings.TrimPrefix(a, "X"), "Z")
	}
}

func (a *KrakenAdapter) GetTicker(ctx context.Context, symbol types.Symbol) (types.Ticker, error) {
	body, err := a.http.Request(ctx, RequestOptions{
		Method: http.MethodGet,
		Path:   "/0/public/Ticker",
		Query:  map[string]string{"pair": krakenPair(symbol)},
		Class:  ClassQuery,
	})
	if err != nil {
		return types.Ticker{}, err
	}
	var resp struct {
		Result map[string]struct {
			Bid []string `json:"b"`
			Ask []string `json:"a"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return types.Ticker{}, xerrors.Wrap(xerrors.KindInternal, "decode Ticker", err).WithVenue(a.venue)
	}
	for _, v := range resp.Result {
		bid, _ := decimal.NewFromString(v.Bid[0])
		ask, _ := decimal.NewFromString(v.Ask[0])
		return types.Ticker{Venue: a.venue, Symbol: symbol, Bid: bid, Ask: ask, Timestamp: time.Now()}, nil
	}
	return types.Ticker{}, xerrors.New(xerrors.KindInvalidOrder, "unknown pair").WithVenue(a.venue)
}

func (a *KrakenAdapter) GetOrderBook(ctx context.Context, symbol types.Symbol, depth int) (types.OrderBookSnapshot, error) {
	body, err := a.http.Request(ctx, RequestOptions{
		Method: http.MethodGet,
		Path:   "/0/public/Depth",
		Query:  map[string]string{"pair": krakenPair(symbol), "count": strconv.Itoa(depth)},
		Class:  ClassQuery,
	})
	if err != nil {
		return types.OrderBookSnapshot{}, err
	}
	var resp struct {
		Result map[string]struct {
			Bids [][]any `json:"bids"`
			Asks [][]any `json:"asks"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return types.OrderBookSnapshot{}, xerrors.Wrap(xerrors.KindInternal, "decode Depth", err).WithVenue(a.venue)
	}
	for _, v := range resp.Result {
		return types.OrderBookSnapshot{
			Venue:     a.venue,
			Symbol:    symbol,
			Bids:      levelsFromAnyPairs(v.Bids),
			Asks:      levelsFromAnyPairs(v.Asks),
			Timestamp: time.Now(),
		}, nil
	}
	return types.OrderBookSnapshot{}, xerrors.New(xerrors.KindInvalidOrder, "unknown pair").WithVenue(a.venue)
}

func levelsFromAnyPairs(pairs [][]any) []types.PriceLevel {
	levels := make([]types.PriceLevel, 0, len(pairs))
	for _, p := range pairs {
		if len(p) < 2 {
			continue
		}
		priceStr, _ := p[0].(string)
		sizeStr, _ := p[1].(string)
		price, _ := decimal.NewFromString(priceStr)
		size, _ := decimal.NewFromString(sizeStr)
		levels = append(levels, types.PriceLevel{Price: price, Size: size})
	}
	return levels
}

func (a *KrakenAdapter) GetBalance(ctx context.Context) (map[string]types.Balance, error) {
	body, err := a.http.Request(ctx, RequestOptions{
		Method:       http.MethodPost,
		Path:         "/0/private/BalanceEx",
		AuthRequired: true,
		Class:        ClassQuery,
		Mutating:     false,
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Result map[string]struct {
			Balance string `json:"balance"`
			Hold    string `json:"hold_trade"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "decode BalanceEx", err).WithVenue(a.venue)
	}
	balances := make(map[string]types.Balance, len(resp.Result))
	for asset, v := range resp.Result {
		total, _ := decimal.NewFromString(v.Balance)
		used, _ := decimal.NewFromString(v.Hold)
		name := normalizeKrakenAsset(asset)
		balances[name] = types.Balance{Asset: name, Free: total.Sub(used), Used: used, Total: total}
	}
	return balances, nil
}

func (a *KrakenAdapter) CreateOrder(ctx context.Context, req CreateOrderRequest) (types.Order, error) {
	if !a.caps.Supports(req.Type) {
		return types.Order{}, xerrors.New(xerrors.KindUnsupported, fmt.Sprintf("kraken does not support order type %s", req.Type)).WithVenue(a.venue)
	}
	query := map[string]string{
		"pair":      krakenPair(req.Symbol),
		"type":      string(req.Side),
		"ordertype": krakenOrderType(req.Type),
		"volume":    req.Quantity.String(),
		"userref":   req.ClientID,
	}
	if req.Type != types.OrderTypeMarket {
		query["price"] = req.Price.String()
	}

	body, err := a.http.Request(ctx, RequestOptions{
		Method:       http.MethodPost,
		Path:         "/0/private/AddOrder",
		Query:        query,
		AuthRequired: true,
		Class:        ClassOrder,
		Mutating:     true,
	})
	if err != nil {
		return types.Order{}, err
	}
	var resp struct {
		Result struct {
			TxID []string `json:"txid"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Result.TxID) == 0 {
		return types.Order{}, xerrors.Wrap(xerrors.KindInternal, "decode AddOrder response", err).WithVenue(a.venue)
	}
	return types.Order{
		OrderID:     resp.Result.TxID[0],
		ClientID:    req.ClientID,
		Venue:       a.venue,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Price:       req.Price,
		Quantity:    req.Quantity,
		Status:      types.OrderNew,
		TimeInForce: req.TimeInForce,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}, nil
}

func krakenOrderType(t types.OrderType) string {
	if t == types.OrderTypeMarket {
		return "market"
	}
	return "limit"
}

func (a *KrakenAdapter) CancelOrder(ctx context.Context, orderID string, symbol types.Symbol) (types.Order, error) {
	_, err := a.http.Request(ctx, RequestOptions{
		Method:       http.MethodPost,
		Path:         "/0/private/CancelOrder",
		Query:        map[string]string{"txid": orderID},
		AuthRequired: true,
		Class:        ClassCancel,
		Mutating:     true,
	})
	if err != nil {
		if xerrors.Is(err, xerrors.KindInvalidOrder) {
			return types.Order{OrderID: orderID, Symbol: symbol, Venue: a.venue, Status: types.OrderCanceled}, nil
		}
		return types.Order{}, err
	}
	return types.Order{OrderID: orderID, Symbol: symbol, Venue: a.venue, Status: types.OrderCanceled, UpdatedAt: time.Now()}, nil
}

func (a *KrakenAdapter) GetOpenOrders(ctx context.Context, symbol types.Symbol) ([]types.Order, error) {
	body, err := a.http.Request(ctx, RequestOptions{
		Method:       http.MethodPost,
		Path:         "/0/private/OpenOrders",
		AuthRequired: true,
		Class:        ClassQuery,
	})
	if err != nil {
		return nil, err
	}
	return a.decodeOrderMap(body, symbol)
}

func (a *KrakenAdapter) GetOrder(ctx context.Context, orderID string, symbol types.Symbol) (types.Order, error) {
	body, err := a.http.Request(ctx, RequestOptions{
		Method:       http.MethodPost,
		Path:         "/0/private/QueryOrders",
		Query:        map[string]string{"txid": orderID},
		AuthRequired: true,
		Class:        ClassQuery,
	})
	if err != nil {
		return types.Order{}, err
	}
	orders, err := a.decodeOrderMap(body, symbol)
	if err != nil || len(orders) == 0 {
		return types.Order{}, xerrors.New(xerrors.KindInvalidOrder, "order not found").WithVenue(a.venue)
	}
	return orders[0], nil
}

func (a *KrakenAdapter) decodeOrderMap(body []byte, symbol types.Symbol) ([]types.Order, error) {
	var resp struct {
		Result map[string]struct {
			Status      string `json:"status"`
			Descr       struct{ Pair, Type, Ordertype, Price string } `json:"descr"`
			Vol         string `json:"vol"`
			VolExec     string `json:"vol_exec"`
			UserRef     int64  `json:"userref"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "decode order map", err).WithVenue(a.venue)
	}
	orders := make([]types.Order, 0, len(resp.Result))
	for txid, o := range resp.Result {
		qty, _ := decimal.NewFromString(o.Vol)
		filled, _ := decimal.NewFromString(o.VolExec)
		price, _ := decimal.NewFromString(o.Descr.Price)
		orders = append(orders, types.Order{
			OrderID:        txid,
			Venue:          a.venue,
			Symbol:         symbol,
			Side:           types.Side(o.Descr.Type),
			Price:          price,
			Quantity:       qty,
			FilledQuantity: filled,
			Status:         krakenStatus(o.Status),
			UpdatedAt:      time.Now(),
		})
	}
	return orders, nil
}

func krakenStatus(s string) types.OrderStatus {
	switch s {
	case "pending", "open":
		return types.OrderNew
	case "closed":
		return types.OrderFilled
	case "canceled", "expired":
		return types.OrderCanceled
	default:
		return types.OrderNew
	}
}

// krakenDecoder implements Decoder for Kraken's v2 WebSocket channels.
type krakenDecoder struct{}

func (d *krakenDecoder) Decode(frame []byte) (any, types.ChannelType, types.Symbol, bool) {
	var envelope struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &envelope); err != nil || envelope.Channel == "" {
		return nil, "", "", false
	}

	switch envelope.Channel {
	case "ticker":
		var items []struct {
			Symbol string  `json:"symbol"`
			Bid    float64 `json:"bid"`
			Ask    float64 `json:"ask"`
		}
		if err := json.Unmarshal(envelope.Data, &items); err != nil || len(items) == 0 {
			return nil, "", "", false
		}
		base, quote, ok := strings.Cut(items[0].Symbol, "/")
		if !ok {
			return nil, "", "", false
		}
		symbol := types.NewSymbol(base, quote)
		return types.Ticker{
			Venue:     "kraken",
			Symbol:    symbol,
			Bid:       decimal.NewFromFloat(items[0].Bid),
			Ask:       decimal.NewFromFloat(items[0].Ask),
			Timestamp: time.Now(),
		}, types.ChannelTicker, symbol, true
	case "trade":
		var items []struct {
			Symbol string  `json:"symbol"`
			Price  float64 `json:"price"`
			Qty    float64 `json:"qty"`
			Side   string  `json:"side"`
			TradeID int64  `json:"trade_id"`
		}
		if err := json.Unmarshal(envelope.Data, &items); err != nil || len(items) == 0 {
			return nil, "", "", false
		}
		base, quote, ok := strings.Cut(items[0].Symbol, "/")
		if !ok {
			return nil, "", "", false
		}
		symbol := types.NewSymbol(base, quote)
		return types.Trade{
			Venue:     "kraken",
			Symbol:    symbol,
			Price:     decimal.NewFromFloat(items[0].Price),
			Size:      decimal.NewFromFloat(items[0].Qty),
			Side:      types.Side(items[0].Side),
			TradeID:   strconv.FormatInt(items[0].TradeID, 10),
			Timestamp: time.Now(),
		}, types.ChannelTrade, symbol, true
	default:
		return nil, "", "", false
	}
}

func (d *krakenDecoder) SubscribeFrame(subs []Subscription) (any, error) {
	if len(subs) == 0 {
		return nil, fmt.Errorf("no subscriptions given")
	}
	symbols := make([]string, 0, len(subs))
	for _, s := range subs {
		symbols = append(symbols, string(s.Symbol))
	}
	return map[string]any{
		"method": "subscribe",
		"params": map[string]any{
			"channel": krakenChannelName(subs[0].Channel),
			"symbol":  symbols,
		},
	}, nil
}

func (d *krakenDecoder) UnsubscribeFrame(subs []Subscription) (any, error) {
	if len(subs) == 0 {
		return nil, fmt.Errorf("no subscriptions given")
	}
	symbols := make([]string, 0, len(subs))
	for _, s := range subs {
		symbols = append(symbols, string(s.Symbol))
	}
	return map[string]any{
		"method": "unsubscribe",
		"params": map[string]any{
			"channel": krakenChannelName(subs[0].Channel),
			"symbol":  symbols,
		},
	}, nil
}

func (d *krakenDecoder) AuthFrame() (any, error) {
	// Kraken v2 private channels authenticate with a REST-obtained token
	// included in the subscribe frame itself, not a separate handshake.
	return nil, nil
}

func krakenChannelName(c types.ChannelType) string {
	switch c {
	case types.ChannelTicker:
		return "ticker"
	case types.ChannelTrade:
		return "trade"
	case types.ChannelOrderBook:
		return "book"
	default:
		return "ticker"
	}
}
