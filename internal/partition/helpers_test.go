package partition

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/arkilian/orderlake/pkg/types"
)

func lineItemSchema() *types.Schema {
	return types.NewSchema("line_items",
		types.Column{Name: "order_id", Type: types.TypeString, Nullable: true},
		types.Column{Name: "product_quantity", Type: types.TypeInteger, Nullable: true},
		types.Column{Name: "product_sold_price", Type: types.TypeDecimal, Precision: 10, Scale: 2, Nullable: true},
		types.Column{Name: "ingested_at", Type: types.TypeTimestamp},
	)
}

var testInstant = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func lineItem(order string, qty int64, price string) types.Row {
	return types.Row{order, qty, decimal.RequireFromString(price), testInstant}
}
