package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"fundingarb/internal/core"
	pkghttp "fundingarb/pkg/http"

	"github.com/shopspring/decimal"
)

var _ core.ExchangeClient = (*RESTClient)(nil)

const (
	defaultFuturesURL = "https://fapi.binance.com"
	defaultSpotURL    = "https://api.binance.com"
)

// binanceTakerFeeRate estimates the fee on a filled market order.
// Binance's order-placement response doesn't echo the fee charged (it is
// reported asynchronously via the user trade history endpoint), so the
// REST client estimates it off the standard VIP-0 taker rate rather than
// leaving fee tracking silently zero.
var binanceTakerFeeRate = decimal.NewFromFloat(0.0004)

// hmacSigner signs Binance-style futures/spot requests: every query
// parameter plus a millisecond timestamp, HMAC-SHA256'd with the
// account secret and appended as a final "signature" param, alongside
// the API-key header. Grounded on the teacher's own SignRequest.
type hmacSigner struct {
	apiKey    string
	secretKey string
}

func (s *hmacSigner) SignRequest(req *http.Request) error {
	req.Header.Set("X-MBX-APIKEY", s.apiKey)

	q := req.URL.Query()
	if q.Get("timestamp") == "" {
		q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	}
	queryString := q.Encode()

	mac := hmac.New(sha256.New, []byte(s.secretKey))
	mac.Write([]byte(queryString))
	q.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	req.URL.RawQuery = q.Encode()
	return nil
}

// RESTClient is the raw (unwrapped) adapter for a Binance-style
// exchange: the Gateway wraps it with rate limiting and query retries.
// Reads go through the resilient pkg/http.Client, which retries them
// itself, since a retried GET is always safe; writes (PlaceOrder,
// Transfer) bypass that retrying pipeline entirely and use a bare
// *http.Client instead, so each write is issued exactly once and an
// ambiguous 5xx on an order can never
// be silently retried underneath the Gateway's own write path — that
// retry-never invariant is the Gateway's job (spec §4.3.1), not the
// transport's.
type RESTClient struct {
	futures    *pkghttp.Client
	spot       *pkghttp.Client
	futuresURL string
	spotURL    string
	writeHTTP  *http.Client
	signer     *hmacSigner
}

// NewRESTClient builds a RESTClient against futuresURL/spotURL (falling
// back to Binance's production hosts when empty) signed with the given
// API credentials.
func NewRESTClient(futuresURL, spotURL, apiKey, secretKey string, timeout time.Duration) *RESTClient {
	if futuresURL == "" {
		futuresURL = defaultFuturesURL
	}
	if spotURL == "" {
		spotURL = defaultSpotURL
	}
	signer := &hmacSigner{apiKey: apiKey, secretKey: secretKey}
	return &RESTClient{
		futures:    pkghttp.NewClient(futuresURL, timeout, signer),
		spot:       pkghttp.NewClient(spotURL, timeout, signer),
		futuresURL: futuresURL,
		spotURL:    spotURL,
		writeHTTP:  &http.Client{Timeout: timeout},
		signer:     signer,
	}
}

// GetFundingSnapshot combines the futures premium index (funding rate,
// mark price) with the spot ticker (spot price) and the futures 24h
// ticker (volume) into one snapshot.
func (c *RESTClient) GetFundingSnapshot(ctx context.Context, symbol string) (core.FundingSnapshot, error) {
	premBody, err := c.futures.Get(ctx, "/fapi/v1/premiumIndex", map[string]string{"symbol": symbol})
	if err != nil {
		return core.FundingSnapshot{}, fmt.Errorf("premium index: %w", err)
	}
	var prem struct {
		Symbol          string `json:"symbol"`
		MarkPrice       string `json:"markPrice"`
		LastFundingRate string `json:"lastFundingRate"`
		NextFundingTime int64  `json:"nextFundingTime"`
	}
	if err := json.Unmarshal(premBody, &prem); err != nil {
		return core.FundingSnapshot{}, fmt.Errorf("premium index decode: %w", err)
	}

	spotBody, err := c.spot.Get(ctx, "/api/v3/ticker/price", map[string]string{"symbol": symbol})
	if err != nil {
		return core.FundingSnapshot{}, fmt.Errorf("spot ticker: %w", err)
	}
	var spotTicker struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(spotBody, &spotTicker); err != nil {
		return core.FundingSnapshot{}, fmt.Errorf("spot ticker decode: %w", err)
	}

	volBody, err := c.futures.Get(ctx, "/fapi/v1/ticker/24hr", map[string]string{"symbol": symbol})
	if err != nil {
		return core.FundingSnapshot{}, fmt.Errorf("24h ticker: %w", err)
	}
	var vol struct {
		QuoteVolume string `json:"quoteVolume"`
	}
	if err := json.Unmarshal(volBody, &vol); err != nil {
		return core.FundingSnapshot{}, fmt.Errorf("24h ticker decode: %w", err)
	}

	markPrice, _ := decimal.NewFromString(prem.MarkPrice)
	fundingRate, _ := decimal.NewFromString(prem.LastFundingRate)
	spotPrice, _ := decimal.NewFromString(spotTicker.Price)
	volume, _ := decimal.NewFromString(vol.QuoteVolume)

	return core.FundingSnapshot{
		Symbol:          prem.Symbol,
		Exchange:        "binance",
		FundingRate:     fundingRate,
		NextFundingTime: time.UnixMilli(prem.NextFundingTime),
		MarkPrice:       markPrice,
		SpotPrice:       spotPrice,
		Volume24h:       volume,
		FetchedAt:       time.Now(),
	}, nil
}

// PlaceOrder submits a single-shot market order. Never retried here: a
// 5xx on this call is surfaced straight to the Gateway as an ambiguous
// write, per spec §4.3.1.
func (c *RESTClient) PlaceOrder(ctx context.Context, req core.OrderRequest) (core.OrderResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.futuresURL+"/fapi/v1/order", nil)
	if err != nil {
		return core.OrderResult{}, err
	}

	q := httpReq.URL.Query()
	q.Set("symbol", req.Symbol)
	q.Set("side", string(req.Side))
	q.Set("type", "MARKET")
	q.Set("quantity", req.Quantity.String())
	if req.ReduceOnly {
		q.Set("reduceOnly", "true")
	}
	if req.ClientOrderID != "" {
		q.Set("newClientOrderId", req.ClientOrderID)
	}
	httpReq.URL.RawQuery = q.Encode()

	if err := c.signer.SignRequest(httpReq); err != nil {
		return core.OrderResult{}, err
	}

	body, err := c.doWrite(httpReq)
	if err != nil {
		return core.OrderResult{}, err
	}

	var raw struct {
		OrderID     int64  `json:"orderId"`
		Symbol      string `json:"symbol"`
		Side        string `json:"side"`
		Status      string `json:"status"`
		OrigQty     string `json:"origQty"`
		ExecutedQty string `json:"executedQty"`
		AvgPrice    string `json:"avgPrice"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return core.OrderResult{}, fmt.Errorf("place order decode: %w", err)
	}

	qty, _ := decimal.NewFromString(raw.OrigQty)
	execQty, _ := decimal.NewFromString(raw.ExecutedQty)
	avgPrice, _ := decimal.NewFromString(raw.AvgPrice)

	return core.OrderResult{
		OrderID:     strconv.FormatInt(raw.OrderID, 10),
		Symbol:      raw.Symbol,
		Side:        core.Side(raw.Side),
		Quantity:    qty,
		ExecutedQty: execQty,
		AvgPrice:    avgPrice,
		Fee:         execQty.Mul(avgPrice).Mul(binanceTakerFeeRate),
		Status:      raw.Status,
		SubmittedAt: time.Now(),
	}, nil
}

// GetOrderStatus polls a previously placed order's terminal state, used
// to resolve AMBIGUOUS_WRITE outcomes; safe to retry since it only reads.
func (c *RESTClient) GetOrderStatus(ctx context.Context, exchange, symbol, orderID string) (core.OrderResult, error) {
	body, err := c.futures.Get(ctx, "/fapi/v1/order", map[string]string{"symbol": symbol, "orderId": orderID})
	if err != nil {
		return core.OrderResult{}, err
	}
	var raw struct {
		OrderID     int64  `json:"orderId"`
		Symbol      string `json:"symbol"`
		Side        string `json:"side"`
		Status      string `json:"status"`
		OrigQty     string `json:"origQty"`
		ExecutedQty string `json:"executedQty"`
		AvgPrice    string `json:"avgPrice"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return core.OrderResult{}, fmt.Errorf("order status decode: %w", err)
	}
	qty, _ := decimal.NewFromString(raw.OrigQty)
	execQty, _ := decimal.NewFromString(raw.ExecutedQty)
	avgPrice, _ := decimal.NewFromString(raw.AvgPrice)
	return core.OrderResult{
		OrderID:     strconv.FormatInt(raw.OrderID, 10),
		Symbol:      raw.Symbol,
		Side:        core.Side(raw.Side),
		Quantity:    qty,
		ExecutedQty: execQty,
		AvgPrice:    avgPrice,
		Status:      raw.Status,
	}, nil
}

// GetPosition returns the live futures position for symbol, used by
// startup reconciliation.
func (c *RESTClient) GetPosition(ctx context.Context, exchange, symbol string) (core.ExchangePosition, error) {
	body, err := c.futures.Get(ctx, "/fapi/v2/positionRisk", map[string]string{"symbol": symbol})
	if err != nil {
		return core.ExchangePosition{}, err
	}
	var raws []struct {
		Symbol       string `json:"symbol"`
		PositionAmt  string `json:"positionAmt"`
	}
	if err := json.Unmarshal(body, &raws); err != nil {
		return core.ExchangePosition{}, fmt.Errorf("position risk decode: %w", err)
	}
	if len(raws) == 0 {
		return core.ExchangePosition{Exchange: exchange, Symbol: symbol}, nil
	}
	amt, _ := decimal.NewFromString(raws[0].PositionAmt)
	side := core.SideBuy
	if amt.IsNegative() {
		side = core.SideSell
	}
	return core.ExchangePosition{
		Exchange: exchange,
		Symbol:   raws[0].Symbol,
		Side:     side,
		Quantity: amt.Abs(),
	}, nil
}

// ListSymbols returns every USDT-quoted, actively trading futures symbol.
func (c *RESTClient) ListSymbols(ctx context.Context) ([]string, error) {
	body, err := c.futures.Get(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}
	var info struct {
		Symbols []struct {
			Symbol     string `json:"symbol"`
			Status     string `json:"status"`
			QuoteAsset string `json:"quoteAsset"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("exchange info decode: %w", err)
	}
	var out []string
	for _, s := range info.Symbols {
		if s.Status == "TRADING" && s.QuoteAsset == "USDT" {
			out = append(out, s.Symbol)
		}
	}
	return out, nil
}

// GetInstrumentRules returns the quantity/price rounding increments for
// symbol on venue, parsed out of exchangeInfo's LOT_SIZE and PRICE_FILTER
// filters. Spot and perp exchangeInfo share the same filter shape but are
// served by different paths on different hosts.
func (c *RESTClient) GetInstrumentRules(ctx context.Context, venue core.Venue, symbol string) (core.InstrumentRules, error) {
	path := "/fapi/v1/exchangeInfo"
	client := c.futures
	if venue == core.VenueSpot {
		path = "/api/v3/exchangeInfo"
		client = c.spot
	}

	body, err := client.Get(ctx, path, map[string]string{"symbol": symbol})
	if err != nil {
		return core.InstrumentRules{}, err
	}
	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				MinQty     string `json:"minQty"`
				StepSize   string `json:"stepSize"`
				TickSize   string `json:"tickSize"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return core.InstrumentRules{}, fmt.Errorf("exchange info decode: %w", err)
	}
	if len(info.Symbols) == 0 {
		return core.InstrumentRules{}, fmt.Errorf("symbol %s not found", symbol)
	}
	rules := core.InstrumentRules{Symbol: symbol}
	for _, f := range info.Symbols[0].Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			rules.MinQty, _ = decimal.NewFromString(f.MinQty)
			rules.StepSize, _ = decimal.NewFromString(f.StepSize)
		case "PRICE_FILTER":
			rules.TickSize, _ = decimal.NewFromString(f.TickSize)
		}
	}
	return rules, nil
}

// GetAccount combines futures margin usage with spot and perp wallet
// balances for the PositionGuardian's rebalancing check.
func (c *RESTClient) GetAccount(ctx context.Context) (core.AccountSnapshot, error) {
	futBody, err := c.futures.Get(ctx, "/fapi/v2/account", nil)
	if err != nil {
		return core.AccountSnapshot{}, fmt.Errorf("futures account: %w", err)
	}
	var futAcct struct {
		TotalWalletBalance    string `json:"totalWalletBalance"`
		TotalMaintMargin      string `json:"totalMaintMargin"`
		TotalMarginBalance    string `json:"totalMarginBalance"`
		Assets                []struct {
			Asset         string `json:"asset"`
			WalletBalance string `json:"walletBalance"`
			AvailableBalance string `json:"availableBalance"`
		} `json:"assets"`
	}
	if err := json.Unmarshal(futBody, &futAcct); err != nil {
		return core.AccountSnapshot{}, fmt.Errorf("futures account decode: %w", err)
	}

	spotBody, err := c.spot.Get(ctx, "/api/v3/account", nil)
	if err != nil {
		return core.AccountSnapshot{}, fmt.Errorf("spot account: %w", err)
	}
	var spotAcct struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(spotBody, &spotAcct); err != nil {
		return core.AccountSnapshot{}, fmt.Errorf("spot account decode: %w", err)
	}

	var balances []core.WalletBalance
	for _, a := range spotAcct.Balances {
		free, _ := decimal.NewFromString(a.Free)
		locked, _ := decimal.NewFromString(a.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		balances = append(balances, core.WalletBalance{Wallet: "spot", Asset: a.Asset, Free: free, Total: free.Add(locked)})
	}
	for _, a := range futAcct.Assets {
		total, _ := decimal.NewFromString(a.WalletBalance)
		free, _ := decimal.NewFromString(a.AvailableBalance)
		if total.IsZero() {
			continue
		}
		balances = append(balances, core.WalletBalance{Wallet: "perp", Asset: a.Asset, Free: free, Total: total})
	}

	marginUsed, _ := decimal.NewFromString(futAcct.TotalMaintMargin)
	accountValue, _ := decimal.NewFromString(futAcct.TotalMarginBalance)
	marginUsagePct := decimal.Zero
	if accountValue.IsPositive() {
		marginUsagePct = marginUsed.Div(accountValue)
	}

	return core.AccountSnapshot{
		Balances:       balances,
		MarginUsed:     marginUsed,
		AccountValue:   accountValue,
		MarginUsagePct: marginUsagePct,
	}, nil
}

// Transfer moves funds between the spot and perpetual futures wallets.
// Like PlaceOrder, this is a single-shot write: never retried here.
func (c *RESTClient) Transfer(ctx context.Context, req core.TransferRequest) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.spotURL+"/sapi/v1/asset/transfer", nil)
	if err != nil {
		return err
	}

	q := httpReq.URL.Query()
	q.Set("asset", req.Asset)
	q.Set("amount", req.Amount.String())
	q.Set("type", transferType(req.FromWallet, req.ToWallet))
	httpReq.URL.RawQuery = q.Encode()

	if err := c.signer.SignRequest(httpReq); err != nil {
		return err
	}

	_, err = c.doWrite(httpReq)
	return err
}

func transferType(from, to string) string {
	if from == "spot" && to == "perp" {
		return "MAIN_UMFUTURE"
	}
	return "UMFUTURE_MAIN"
}

func (c *RESTClient) doWrite(req *http.Request) ([]byte, error) {
	resp, err := c.writeHTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &pkghttp.APIError{StatusCode: resp.StatusCode, Body: body}
	}
	return body, nil
}
