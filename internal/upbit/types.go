package upbit

import "github.com/shopspring/decimal"

// https://docs.upbit.com/reference

// MinuteCandle is one /v1/candles/minutes/1 entry. Prices are numeric in
// the JSON; candle_date_time_utc has no zone suffix.
type MinuteCandle struct {
	Market         string  `json:"market"`
	CandleDateTime string  `json:"candle_date_time_utc"`
	OpeningPrice   float64 `json:"opening_price"`
	HighPrice      float64 `json:"high_price"`
	LowPrice       float64 `json:"low_price"`
	TradePrice     float64 `json:"trade_price"`
	AccTradePrice  float64 `json:"candle_acc_trade_price"`
	AccTradeVolume float64 `json:"candle_acc_trade_volume"`
	Timestamp      int64   `json:"timestamp"`
}

// Account is one /v1/accounts entry.
type Account struct {
	Currency     string          `json:"currency"`
	Balance      decimal.Decimal `json:"balance"`
	Locked       decimal.Decimal `json:"locked"`
	AvgBuyPrice  decimal.Decimal `json:"avg_buy_price"`
	UnitCurrency string          `json:"unit_currency"`
}

// OrderRequest is the /v1/orders body. Market buys are priced in quote
// currency (ord_type "price"); market sells in base quantity ("market").
type OrderRequest struct {
	Market  string `json:"market"`
	Side    string `json:"side"`
	OrdType string `json:"ord_type"`
	Price   string `json:"price,omitempty"`
	Volume  string `json:"volume,omitempty"`
}

// OrderResponse is the order detail from /v1/orders and /v1/order.
type OrderResponse struct {
	UUID            string          `json:"uuid"`
	Side            string          `json:"side"`
	OrdType         string          `json:"ord_type"`
	State           string          `json:"state"`
	Market          string          `json:"market"`
	ExecutedVolume  decimal.Decimal `json:"executed_volume"`
	RemainingVolume decimal.Decimal `json:"remaining_volume"`
	PaidFee         decimal.Decimal `json:"paid_fee"`
	Trades          []OrderTrade    `json:"trades"`
}

// OrderTrade is one fill within an order.
type OrderTrade struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
	Funds  decimal.Decimal `json:"funds"`
}

type apiError struct {
	Error struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error"`
}
