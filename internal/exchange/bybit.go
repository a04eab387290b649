// bybit.go implements the Bybit v5 unified-account adapter: HMAC-SHA256
// header signing over a canonical string, category-routed REST endpoints
// ("spot"), and a single public/private WebSocket decoder pair.
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
	bybitRESTBaseURL = "https://api.bybit.com"
	bybitWSBaseURL   = "wss://stream.bybit.com/v5/public/spot"
	bybitRecvWindow  = "5000"
)

// bybitSigner signs requests the v5 way: HMAC-SHA256 over
// timestamp + apiKey + recvWindow + (queryString or body).
type bybitSigner struct {
	apiKey string
	secret string
}

func (s bybitSigner) Sign(method, path string, query map[string]string, body []byte) (map[string]string, error) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

	var payload string
	if method == http.MethodGet {
		payload = encodeQuerySorted(query)
	} else {
		payload = string(body)
	}

	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write([]byte(ts + s.apiKey + bybitRecvWindow + payload))
	signature := hex.EncodeToString(mac.Sum(nil))

	return map[string]string{
		"X-BAPI-API-KEY":     s.apiKey,
		"X-BAPI-TIMESTAMP":   ts,
		"X-BAPI-RECV-WINDOW": bybitRecvWindow,
		"X-BAPI-SIGN":        signature,
	}, nil
}

func encodeQuerySorted(query map[string]string) string {
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
		sb.WriteString(query[k])
	}
	return sb.String()
}

// BybitAdapter implements Adapter for Bybit's unified spot category.
type BybitAdapter struct {
	venue  string
	http   *HTTPClient
	stream *StreamSession
	caps   types.Capabilities
	sink   EventSink
	logger *slog.Logger
}

// NewBybitAdapter satisfies Constructor for registry registration.
func NewBybitAdapter(venue string, cfg config.ExchangeConfig, logger *slog.Logger) (Adapter, error) {
	if cfg.ApiKey == "" || cfg.Secret == "" {
		return nil, xerrors.New(xerrors.KindConfig, "bybit requires api_key and secret")
	}

	rl := NewRateLimiter(cfg.RateLimitBudget())
	signer := bybitSigner{apiKey: cfg.ApiKey, secret: cfg.Secret}
	httpClient := NewHTTPClient(venue, bybitRESTBaseURL, rl, signer, logger)

	caps := types.Capabilities{
		Venue: venue,
		SupportedOrderTypes: map[types.OrderType]bool{
			types.OrderTypeLimit:  true,
			types.OrderTypeMarket: true,
		},
		SupportsClientIDLookup: true,
	}

	a := &BybitAdapter{venue: venue, http: httpClient, caps: caps, logger: logger.With("venue", venue)}
	a.stream = NewStreamSession(venue, bybitWSBaseURL, &bybitDecoder{}, a, logger)
	return a, nil
}

func (a *BybitAdapter) SetSink(sink EventSink) { a.sink = sink }

func (a *BybitAdapter) Venue() string                      { return a.venue }
func (a *BybitAdapter) Capabilities() types.Capabilities    { return a.caps }
func (a *BybitAdapter) Stream() *StreamSession              { return a.stream }
func (a *BybitAdapter) Connect(ctx context.Context) error    { return nil }
func (a *BybitAdapter) Disconnect(ctx context.Context) error { return a.stream.Close() }

func (a *BybitAdapter) Publish(channel types.ChannelType, symbol types.Symbol, event any) {
	if a.sink != nil {
		a.sink.Publish(channel, symbol, event)
	}
}

func bybitSymbol(s types.Symbol) string {
	return strings.ToUpper(s.Base() + s.Quote())
}

func (a *BybitAdapter) GetMarkets(ctx context.Context) ([]types.MarketMeta, error) {
	body, err := a.http.Request(ctx, RequestOptions{
		Method: http.MethodGet,
		Path:   "/v5/market/instruments-info",
		Query:  map[string]string{"category": "spot"},
		Class:  ClassQuery,
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Result struct {
			List []struct {
				Symbol     string `json:"symbol"`
				BaseCoin   string `json:"baseCoin"`
				QuoteCoin  string `json:"quoteCoin"`
				LotSizeFilter struct {
					MinOrderQty string `json:"minOrderQty"`
				} `json:"lotSizeFilter"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "decode instruments-info", err).WithVenue(a.venue)
	}
	markets := make([]types.MarketMeta, 0, len(resp.Result.List))
	for _, s := range resp.Result.List {
		minQty, _ := decimal.NewFromString(s.LotSizeFilter.MinOrderQty)
		markets = append(markets, types.MarketMeta{
			Symbol: types.NewSymbol(s.BaseCoin, s.QuoteCoin),
			Base:   s.BaseCoin,
			Quote:  s.QuoteCoin,
			MinQty: minQty,
		})
	}
	return markets, nil
}

func (a *BybitAdapter) GetTicker(ctx context.Context, symbol types.Symbol) (types.Ticker, error) {
	body, err := a.http.Request(ctx, RequestOptions{
		Method: http.MethodGet,
		Path:   "/v5/market/tickers",
		Query:  map[string]string{"category": "spot", "symbol": bybitSymbol(symbol)},
		Class:  ClassQuery,
	})
	if err != nil {
		return types.Ticker{}, err
	}
	var resp struct {
		Result struct {
			List []struct {
				Bid1Price string `json:"bid1Price"`
				Ask1Price string `json:"ask1Price"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Result.List) == 0 {
		return types.Ticker{}, xerrors.Wrap(xerrors.KindInternal, "decode tickers", err).WithVenue(a.venue)
	}
	bid, _ := decimal.NewFromString(resp.Result.List[0].Bid1Price)
	ask, _ := decimal.NewFromString(resp.Result.List[0].Ask1Price)
	return types.Ticker{Venue: a.venue, Symbol: symbol, Bid: bid, Ask: ask, Timestamp: time.Now()}, nil
}

func (a *BybitAdapter) GetOrderBook(ctx context.Context, symbol types.Symbol, depth int) (types.OrderBookSnapshot, error) {
	body, err := a.http.Request(ctx, RequestOptions{
		Method: http.MethodGet,
		Path:   "/v5/market/orderbook",
		Query:  map[string]string{"category": "spot", "symbol": bybitSymbol(symbol), "limit": strconv.Itoa(depth)},
		Class:  ClassQuery,
	})
	if err != nil {
		return types.OrderBookSnapshot{}, err
	}
	var resp struct {
		Result struct {
			Bids [][]string `json:"b"`
			Asks [][]string `json:"a"`
			Ts   int64      `json:"ts"`
			U    int64      `json:"u"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return types.OrderBookSnapshot{}, xerrors.Wrap(xerrors.KindInternal, "decode orderbook", err).WithVenue(a.venue)
	}
	return types.OrderBookSnapshot{
		Venue:        a.venue,
		Symbol:       symbol,
		Bids:         levelsFromPairs(resp.Result.Bids),
		Asks:         levelsFromPairs(resp.Result.Asks),
		LastUpdateID: resp.Result.U,
		Timestamp:    time.UnixMilli(resp.Result.Ts),
	}, nil
}

func (a *BybitAdapter) GetBalance(ctx context.Context) (map[string]types.Balance, error) {
	body, err := a.http.Request(ctx, RequestOptions{
		Method:       http.MethodGet,
		Path:         "/v5/account/wallet-balance",
		Query:        map[string]string{"accountType": "UNIFIED"},
		AuthRequired: true,
		Class:        ClassQuery,
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Result struct {
			List []struct {
				Coin []struct {
					Coin            string `json:"coin"`
					WalletBalance   string `json:"walletBalance"`
					Locked          string `json:"locked"`
				} `json:"coin"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "decode wallet-balance", err).WithVenue(a.venue)
	}
	balances := make(map[string]types.Balance)
	for _, acct := range resp.Result.List {
		for _, c := range acct.Coin {
			total, _ := decimal.NewFromString(c.WalletBalance)
			used, _ := decimal.NewFromString(c.Locked)
			balances[c.Coin] = types.Balance{Asset: c.Coin, Free: total.Sub(used), Used: used, Total: total}
		}
	}
	return balances, nil
}

func (a *BybitAdapter) CreateOrder(ctx context.Context, req CreateOrderRequest) (types.Order, error) {
	if !a.caps.Supports(req.Type) {
		return types.Order{}, xerrors.New(xerrors.KindUnsupported, fmt.Sprintf("bybit does not support order type %s", req.Type)).WithVenue(a.venue)
	}
	payload := map[string]any{
		"category":    "spot",
		"symbol":      bybitSymbol(req.Symbol),
		"side":        bybitSide(req.Side),
		"orderType":   bybitOrderType(req.Type),
		"qty":         req.Quantity.String(),
		"orderLinkId": req.ClientID,
	}
	if req.Type != types.OrderTypeMarket {
		payload["price"] = req.Price.String()
		payload["timeInForce"] = string(req.TimeInForce)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return types.Order{}, xerrors.Wrap(xerrors.KindInternal, "marshal order payload", err).WithVenue(a.venue)
	}

	respBody, err := a.http.Request(ctx, RequestOptions{
		Method:       http.MethodPost,
		Path:         "/v5/order/create",
		Body:         body,
		AuthRequired: true,
		Class:        ClassOrder,
		Mutating:     true,
	})
	if err != nil {
		return types.Order{}, err
	}

	var resp struct {
		Result struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return types.Order{}, xerrors.Wrap(xerrors.KindInternal, "decode order/create response", err).WithVenue(a.venue)
	}
	return types.Order{
		OrderID:     resp.Result.OrderID,
		ClientID:    resp.Result.OrderLinkID,
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

func bybitSide(s types.Side) string {
	if s == types.Buy {
		return "Buy"
	}
	return "Sell"
}

func bybitOrderType(t types.OrderType) string {
	if t == types.OrderTypeMarket {
		return "Market"
	}
	return "Limit"
}

func (a *BybitAdapter) CancelOrder(ctx context.Context, orderID string, symbol types.Symbol) (types.Order, error) {
	payload, err := json.Marshal(map[string]string{"category": "spot", "symbol": bybitSymbol(symbol), "orderId": orderID})
	if err != nil {
		return types.Order{}, xerrors.Wrap(xerrors.KindInternal, "marshal cancel payload", err).WithVenue(a.venue)
	}
	_, err = a.http.Request(ctx, RequestOptions{
		Method:       http.MethodPost,
		Path:         "/v5/order/cancel",
		Body:         payload,
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

func (a *BybitAdapter) GetOpenOrders(ctx context.Context, symbol types.Symbol) ([]types.Order, error) {
	query := map[string]string{"category": "spot"}
	if symbol != "" {
		query["symbol"] = bybitSymbol(symbol)
	}
	body, err := a.http.Request(ctx, RequestOptions{
		Method:       http.MethodGet,
		Path:         "/v5/order/realtime",
		Query:        query,
		AuthRequired: true,
		Class:        ClassQuery,
	})
	if err != nil {
		return nil, err
	}
	return a.decodeOrderList(body, symbol)
}

func (a *BybitAdapter) GetOrder(ctx context.Context, orderID string, symbol types.Symbol) (types.Order, error) {
	body, err := a.http.Request(ctx, RequestOptions{
		Method:       http.MethodGet,
		Path:         "/v5/order/realtime",
		Query:        map[string]string{"category": "spot", "symbol": bybitSymbol(symbol), "orderId": orderID},
		AuthRequired: true,
		Class:        ClassQuery,
	})
	if err != nil {
		return types.Order{}, err
	}
	orders, err := a.decodeOrderList(body, symbol)
	if err != nil || len(orders) == 0 {
		return types.Order{}, xerrors.New(xerrors.KindInvalidOrder, "order not found").WithVenue(a.venue)
	}
	return orders[0], nil
}

func (a *BybitAdapter) decodeOrderList(body []byte, symbol types.Symbol) ([]types.Order, error) {
	var resp struct {
		Result struct {
			List []struct {
				OrderID     string `json:"orderId"`
				OrderLinkID string `json:"orderLinkId"`
				Side        string `json:"side"`
				Price       string `json:"price"`
				Qty         string `json:"qty"`
				CumExecQty  string `json:"cumExecQty"`
				OrderStatus string `json:"orderStatus"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "decode order list", err).WithVenue(a.venue)
	}
	orders := make([]types.Order, 0, len(resp.Result.List))
	for _, o := range resp.Result.List {
		price, _ := decimal.NewFromString(o.Price)
		qty, _ := decimal.NewFromString(o.Qty)
		filled, _ := decimal.NewFromString(o.CumExecQty)
		orders = append(orders, types.Order{
			OrderID:        o.OrderID,
			ClientID:       o.OrderLinkID,
			Venue:          a.venue,
			Symbol:         symbol,
			Side:           types.Side(strings.ToLower(o.Side)),
			Price:          price,
			Quantity:       qty,
			FilledQuantity: filled,
			Status:         bybitStatus(o.OrderStatus),
			UpdatedAt:      time.Now(),
		})
	}
	return orders, nil
}

func bybitStatus(s string) types.OrderStatus {
	switch s {
	case "New", "Created":
		return types.OrderNew
	case "PartiallyFilled":
		return types.OrderPartiallyFilled
	case "Filled":
		return types.OrderFilled
	case "Cancelled", "PendingCancel":
		return types.OrderCanceled
	case "Rejected":
		return types.OrderRejected
	default:
		return types.OrderNew
	}
}

// bybitDecoder implements Decoder for Bybit v5 public spot topics.
type bybitDecoder struct{}

func (d *bybitDecoder) Decode(frame []byte) (any, types.ChannelType, types.Symbol, bool) {
	var envelope struct {
		Topic string          `json:"topic"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &envelope); err != nil || envelope.Topic == "" {
		return nil, "", "", false
	}
	parts := strings.SplitN(envelope.Topic, ".", 3)
	if len(parts) < 2 {
		return nil, "", "", false
	}
	symbolRaw := parts[len(parts)-1]
	symbol := types.NewSymbol(symbolRaw[:len(symbolRaw)/2], symbolRaw[len(symbolRaw)/2:])

	switch parts[0] {
	case "tickers":
		var t struct {
			Bid1Price string `json:"bid1Price"`
			Ask1Price string `json:"ask1Price"`
		}
		if err := json.Unmarshal(envelope.Data, &t); err != nil {
			return nil, "", "", false
		}
		bid, _ := decimal.NewFromString(t.Bid1Price)
		ask, _ := decimal.NewFromString(t.Ask1Price)
		return types.Ticker{Venue: "bybit", Symbol: symbol, Bid: bid, Ask: ask, Timestamp: time.Now()}, types.ChannelTicker, symbol, true
	case "publicTrade":
		var trades []struct {
			Price string `json:"p"`
			Size  string `json:"v"`
			ID    string `json:"i"`
		}
		if err := json.Unmarshal(envelope.Data, &trades); err != nil || len(trades) == 0 {
			return nil, "", "", false
		}
		price, _ := decimal.NewFromString(trades[0].Price)
		size, _ := decimal.NewFromString(trades[0].Size)
		return types.Trade{Venue: "bybit", Symbol: symbol, Price: price, Size: size, TradeID: trades[0].ID, Timestamp: time.Now()}, types.ChannelTrade, symbol, true
	default:
		return nil, "", "", false
	}
}

func (d *bybitDecoder) SubscribeFrame(subs []Subscription) (any, error) {
	args := make([]string, 0, len(subs))
	for _, s := range subs {
		args = append(args, bybitTopicName(s))
	}
	return map[string]any{"op": "subscribe", "args": args}, nil
}

func (d *bybitDecoder) UnsubscribeFrame(subs []Subscription) (any, error) {
	args := make([]string, 0, len(subs))
	for _, s := range subs {
		args = append(args, bybitTopicName(s))
	}
	return map[string]any{"op": "unsubscribe", "args": args}, nil
}

func (d *bybitDecoder) AuthFrame() (any, error) {
	// Private topics require an "auth" op signed with api key + expires +
	// HMAC — omitted here because no private channel is subscribed by
	// the strategy/execution pipeline in this deployment.
	return nil, nil
}

func bybitTopicName(s Subscription) string {
	sym := strings.ToUpper(string(s.Symbol.Base()) + string(s.Symbol.Quote()))
	switch s.Channel {
	case types.ChannelTicker:
		return "tickers." + sym
	case types.ChannelTrade:
		return "publicTrade." + sym
	case types.ChannelOrderBook:
		return "orderbook.50." + sym
	default:
		return "tickers." + sym
	}
}
