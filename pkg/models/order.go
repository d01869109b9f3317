package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether the order can no longer change.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

type Order struct {
	ID              uuid.UUID
	ExchangeOrderID string
	Exchange        string
	Pair            Pair
	Side            OrderSide
	Type            OrderType
	Price           decimal.NullDecimal // unset for market orders
	Amount          decimal.Decimal
	FilledAmount    decimal.Decimal
	AveragePrice    decimal.NullDecimal
	Status          OrderStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Remaining is the unfilled portion of the requested amount.
func (o *Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.FilledAmount)
}

type OrderRequest struct {
	Pair   Pair
	Side   OrderSide
	Type   OrderType
	Price  decimal.NullDecimal
	Amount decimal.Decimal
}
