package ramzinex

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/arbiter-trade/arbiter/pkg/models"
)

// Every REST response is wrapped in the same envelope: status 0 is success,
// anything else is a categorized failure.
type envelope struct {
	Status int             `json:"status"`
	Error  string          `json:"error"`
	Data   json.RawMessage `json:"data"`
}

const (
	apiStatusOK         = 0
	apiStatusAuth       = 1
	apiStatusValidation = 2
	apiStatusRateLimit  = 3
)

type tokenData struct {
	Token string `json:"token"`
}

type pairsData struct {
	Pairs []wirePair `json:"pairs"`
}

type wirePair struct {
	ID     int64  `json:"id"`
	Symbol string `json:"symbol"`
	Base   string `json:"base_currency_symbol"`
	Quote  string `json:"quote_currency_symbol"`
	Active int    `json:"active"`
}

type currenciesData struct {
	Currencies []wireCurrency `json:"currencies"`
}

type wireCurrency struct {
	Symbol        string `json:"symbol"`
	Name          string `json:"name"`
	IsFiat        int    `json:"is_fiat"`
	DecimalPlaces int32  `json:"decimal_places"`
}

// bookPayload is shared by the REST snapshot endpoint and the websocket
// publications: levels are [price, amount] arrays.
type bookPayload struct {
	Buys   [][]json.Number `json:"buys"`
	Sells  [][]json.Number `json:"sells"`
	Offset int64           `json:"offset"`
}

type placeOrderData struct {
	OrderID int64 `json:"order_id"`
}

type orderStatusData struct {
	Order wireOrder `json:"order"`
}

type wireOrder struct {
	ID           int64       `json:"id"`
	Status       int         `json:"status"`
	FilledAmount json.Number `json:"filled_amount"`
	AveragePrice json.Number `json:"average_price"`
}

// Exchange order status codes.
const (
	orderOpen            = 1
	orderCanceled        = 2
	orderFilled          = 3
	orderPartiallyFilled = 4
)

func normalizeOrderStatus(status int) models.OrderStatus {
	switch status {
	case orderOpen:
		return models.OrderStatusNew
	case orderCanceled:
		return models.OrderStatusCancelled
	case orderFilled:
		return models.OrderStatusFilled
	case orderPartiallyFilled:
		return models.OrderStatusPartiallyFilled
	default:
		return models.OrderStatusRejected
	}
}

func parseLevels(raw [][]json.Number) ([]models.PriceLevel, error) {
	levels := make([]models.PriceLevel, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			return nil, fmt.Errorf("malformed level %v", entry)
		}
		price, err := decimal.NewFromString(entry[0].String())
		if err != nil {
			return nil, fmt.Errorf("level price: %w", err)
		}
		amount, err := decimal.NewFromString(entry[1].String())
		if err != nil {
			return nil, fmt.Errorf("level amount: %w", err)
		}
		levels = append(levels, models.PriceLevel{Price: price, Amount: amount})
	}
	return levels, nil
}
