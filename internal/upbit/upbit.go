// Package upbit is the exchange client: public candle fetches for the
// data refresher, and JWT-authenticated account/order calls for order
// placement. One Service instance carries one user's API keys; the public
// endpoints work with empty keys.
package upbit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/minjae-oh/quantcore/internal/executor"
	"github.com/minjae-oh/quantcore/internal/types"
)

const (
	DefaultBaseURL       = "https://api.upbit.com"
	MaxCandlesPerRequest = 200

	// candleTimeLayout is candle_date_time_utc's zone-less format.
	candleTimeLayout = "2006-01-02T15:04:05"
)

// Service talks to the Upbit REST API.
type Service struct {
	AccessKey string
	SecretKey string
	ApiUrl    string

	httpClient *http.Client
	// pageDelay spaces candle pagination requests under the public rate
	// limit (10 req/s per endpoint group).
	pageDelay time.Duration
}

// NewService builds a client. Empty keys are fine for candle fetches.
func NewService(accessKey, secretKey, apiUrl string) *Service {
	if apiUrl == "" {
		apiUrl = DefaultBaseURL
	}
	return &Service{
		AccessKey:  accessKey,
		SecretKey:  secretKey,
		ApiUrl:     apiUrl,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		pageDelay:  120 * time.Millisecond,
	}
}

// FetchBars iteratively fetches all minute candles from since to now.
// The endpoint returns at most 200 candles strictly before the cursor,
// newest first, so the cursor walks forward in 200-minute steps.
//
// Note: a long range means many pages held in memory at once.
func (s *Service) FetchBars(ctx context.Context, market string, since time.Time) ([]types.Bar, error) {
	since = since.UTC().Truncate(time.Minute)
	now := time.Now().UTC().Truncate(time.Minute)
	slog.Info("Initiating batched candle fetch", "market", market, "from", since, "to", now)

	var allBars []types.Bar
	cursor := since.Add(MaxCandlesPerRequest * time.Minute)

	for {
		batchTo := cursor
		if batchTo.After(now.Add(time.Minute)) {
			batchTo = now.Add(time.Minute)
		}

		candles, err := s.fetchCandlePage(ctx, market, batchTo)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch candles before %s: %w", batchTo, err)
		}

		bars, err := candlesToBars(candles)
		if err != nil {
			return nil, err
		}
		for _, bar := range bars {
			if bar.Timestamp.Before(since) {
				continue
			}
			// The final page's window can reach back past the previous
			// cursor, so earlier bars show up again.
			if len(allBars) > 0 && !bar.Timestamp.After(allBars[len(allBars)-1].Timestamp) {
				continue
			}
			allBars = append(allBars, bar)
		}

		if !cursor.Before(now.Add(time.Minute)) {
			break
		}
		cursor = cursor.Add(MaxCandlesPerRequest * time.Minute)

		timer := time.NewTimer(s.pageDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	slog.Info("Completed fetching candles", "market", market, "totalBars", len(allBars))
	return allBars, nil
}

func (s *Service) fetchCandlePage(ctx context.Context, market string, to time.Time) ([]MinuteCandle, error) {
	params := url.Values{}
	params.Set("market", market)
	params.Set("count", strconv.Itoa(MaxCandlesPerRequest))
	params.Set("to", to.UTC().Format(candleTimeLayout))

	var candles []MinuteCandle
	if err := s.do(ctx, http.MethodGet, "/v1/candles/minutes/1", params, nil, false, &candles); err != nil {
		return nil, err
	}
	return candles, nil
}

// candlesToBars converts the newest-first wire candles into ascending
// bars.
func candlesToBars(candles []MinuteCandle) ([]types.Bar, error) {
	bars := make([]types.Bar, 0, len(candles))
	for _, candle := range candles {
		timestamp, err := time.Parse(candleTimeLayout, candle.CandleDateTime)
		if err != nil {
			return nil, fmt.Errorf("failed to parse candle time %s: %w", candle.CandleDateTime, err)
		}
		bars = append(bars, types.Bar{
			Timestamp:   timestamp.UTC(),
			Open:        candle.OpeningPrice,
			High:        candle.HighPrice,
			Low:         candle.LowPrice,
			Close:       candle.TradePrice,
			VolumeQuote: candle.AccTradePrice,
			VolumeBase:  candle.AccTradeVolume,
		})
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, nil
}

// Balance returns the free balance of one currency.
func (s *Service) Balance(ctx context.Context, currency string) (decimal.Decimal, error) {
	var accounts []Account
	if err := s.do(ctx, http.MethodGet, "/v1/accounts", nil, nil, true, &accounts); err != nil {
		return decimal.Zero, err
	}
	for _, acc := range accounts {
		if acc.Currency == currency {
			return acc.Balance, nil
		}
	}
	return decimal.Zero, nil
}

// PlaceMarketOrder submits a market order and returns the order UUID.
// Buys spend amount of quote currency (ord_type "price"); sells liquidate
// amount of base currency (ord_type "market").
func (s *Service) PlaceMarketOrder(ctx context.Context, side executor.OrderSide, market string, amount decimal.Decimal) (string, error) {
	req := OrderRequest{Market: market, Side: string(side)}
	switch side {
	case executor.SideBuy:
		req.OrdType = "price"
		req.Price = amount.String()
	case executor.SideSell:
		req.OrdType = "market"
		req.Volume = amount.String()
	default:
		return "", fmt.Errorf("unknown order side %q", side)
	}

	var resp OrderResponse
	if err := s.do(ctx, http.MethodPost, "/v1/orders", nil, req, true, &resp); err != nil {
		return "", err
	}
	slog.Info("Placed market order", "market", market, "side", side, "uuid", resp.UUID)
	return resp.UUID, nil
}

// Order reports an order's fill state. Market buys that spent their full
// budget finish in state "cancel" with the dust remainder voided, so a
// cancelled order with executed volume still counts as filled.
func (s *Service) Order(ctx context.Context, orderID string) (executor.OrderStatus, error) {
	params := url.Values{}
	params.Set("uuid", orderID)

	var resp OrderResponse
	if err := s.do(ctx, http.MethodGet, "/v1/order", params, nil, true, &resp); err != nil {
		return executor.OrderStatus{}, err
	}

	filled := resp.State == "done" ||
		(resp.State == "cancel" && resp.ExecutedVolume.IsPositive())

	status := executor.OrderStatus{
		Filled:      filled,
		ExecutedQty: resp.ExecutedVolume,
		PaidFee:     resp.PaidFee,
	}
	if len(resp.Trades) > 0 {
		funds, volume := decimal.Zero, decimal.Zero
		for _, trade := range resp.Trades {
			funds = funds.Add(trade.Funds)
			volume = volume.Add(trade.Volume)
		}
		if volume.IsPositive() {
			status.AvgPrice = funds.Div(volume)
		}
	}
	return status, nil
}

// do performs one API call, attaching auth when required and decoding
// either the result or the API's error envelope.
func (s *Service) do(ctx context.Context, method, path string, params url.Values, body any, authed bool, out any) error {
	fullURL := s.ApiUrl + path
	encodedQuery := ""
	if len(params) > 0 {
		encodedQuery = params.Encode()
		fullURL += "?" + encodedQuery
	}

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(payload)
		// POST bodies are form-equivalent for hashing purposes.
		if encodedQuery == "" {
			encodedQuery = orderQueryString(body)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if authed {
		token, err := authToken(s.AccessKey, s.SecretKey, encodedQuery)
		if err != nil {
			return err
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("request failed: status code %d, could not read error body: %w", resp.StatusCode, readErr)
		}
		var apiErr apiError
		if json.Unmarshal(bodyBytes, &apiErr) == nil && apiErr.Error.Name != "" {
			return fmt.Errorf("request failed: status code %d, %s: %s", resp.StatusCode, apiErr.Error.Name, apiErr.Error.Message)
		}
		return fmt.Errorf("request failed: status code %d, response: %s", resp.StatusCode, string(bodyBytes))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// orderQueryString renders an order body as the url-encoded string the
// query hash is computed over.
func orderQueryString(body any) string {
	req, ok := body.(OrderRequest)
	if !ok {
		return ""
	}
	params := url.Values{}
	params.Set("market", req.Market)
	params.Set("side", req.Side)
	params.Set("ord_type", req.OrdType)
	if req.Price != "" {
		params.Set("price", req.Price)
	}
	if req.Volume != "" {
		params.Set("volume", req.Volume)
	}
	return params.Encode()
}

// Credentials are one user's API keys.
type Credentials struct {
	AccessKey string
	SecretKey string
}

// CredentialSource resolves a user's API keys.
type CredentialSource interface {
	CredentialsFor(ctx context.Context, userID uint) (Credentials, error)
}

// Factory builds per-user brokers from a credential source.
type Factory struct {
	Source CredentialSource
	ApiUrl string
}

func (f *Factory) BrokerFor(ctx context.Context, userID uint) (executor.Broker, error) {
	creds, err := f.Source.CredentialsFor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolving credentials for user %d: %w", userID, err)
	}
	return NewService(creds.AccessKey, creds.SecretKey, f.ApiUrl), nil
}
