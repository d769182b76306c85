// Package pipeline holds the order-specific wiring: the canonical and stream
// schemas, the per-year source layouts, the historical batch job and the two
// streaming query presets.
package pipeline

import (
	"github.com/arkilian/orderlake/internal/format"
	"github.com/arkilian/orderlake/internal/normalize"
	"github.com/arkilian/orderlake/internal/stamp"
	"github.com/arkilian/orderlake/pkg/types"
)

// Query names of the streaming presets.
const (
	OrdersQuery    = "orders"
	LineItemsQuery = "line_items"
)

// PartitionColumn is the derived partition column of the orders stream.
const PartitionColumn = "submitted_yyyy_mm"

// canonicalColumns lists the order fields shared by every batch source, in
// table order.
var canonicalColumns = []string{
	"submitted_at",
	"order_id",
	"customer_id",
	"sales_rep_id",
	"sales_rep_ssn",
	"sales_rep_first_name",
	"sales_rep_last_name",
	"sales_rep_address",
	"sales_rep_city",
	"sales_rep_state",
	"sales_rep_zip",
	"shipping_address_attention",
	"shipping_address_address",
	"shipping_address_city",
	"shipping_address_state",
	"shipping_address_zip",
	"product_id",
	"product_quantity",
	"product_sold_price",
}

var provenance = []string{stamp.FileColumn, stamp.TimeColumn}

func provenanceColumns() []types.Column {
	return []types.Column{
		{Name: stamp.FileColumn, Type: types.TypeString},
		{Name: stamp.TimeColumn, Type: types.TypeTimestamp},
	}
}

// CanonicalSchema is the schema of the batch orders table: every order field
// as a nullable string plus the provenance columns.
func CanonicalSchema(name string) *types.Schema {
	cols := make([]types.Column, 0, len(canonicalColumns)+2)
	for _, c := range canonicalColumns {
		cols = append(cols, types.Column{Name: c, Type: types.TypeString, Nullable: true})
	}
	cols = append(cols, provenanceColumns()...)
	return types.NewSchema(name, cols...)
}

// CanonicalColumns returns the order field names in table order.
func CanonicalColumns() []string {
	return append([]string(nil), canonicalColumns...)
}

// Layout2017 is the fixed-width layout of the 2017 backup (1-based starts).
var Layout2017 = []format.Field{
	{Name: "submitted_at", Start: 1, Length: 15},
	{Name: "order_id", Start: 16, Length: 40},
	{Name: "customer_id", Start: 56, Length: 40},
	{Name: "sales_rep_id", Start: 96, Length: 40},
	{Name: "sales_rep_ssn", Start: 136, Length: 15},
	{Name: "sales_rep_first_name", Start: 151, Length: 15},
	{Name: "sales_rep_last_name", Start: 166, Length: 15},
	{Name: "sales_rep_address", Start: 181, Length: 40},
	{Name: "sales_rep_city", Start: 221, Length: 20},
	{Name: "sales_rep_state", Start: 241, Length: 2},
	{Name: "sales_rep_zip", Start: 243, Length: 5},
	{Name: "shipping_address_attention", Start: 248, Length: 30},
	{Name: "shipping_address_address", Start: 278, Length: 40},
	{Name: "shipping_address_city", Start: 318, Length: 20},
	{Name: "shipping_address_state", Start: 338, Length: 2},
	{Name: "shipping_address_zip", Start: 340, Length: 5},
	{Name: "product_id", Start: 345, Length: 40},
	{Name: "product_quantity", Start: 385, Length: 5},
	{Name: "product_sold_price", Start: 390, Length: 20},
}

// Mapping2019 renames the camelCase headers of the 2019 backup.
var Mapping2019 = map[string]string{
	"submittedAt":              "submitted_at",
	"orderId":                  "order_id",
	"customerId":               "customer_id",
	"salesRepId":               "sales_rep_id",
	"salesRepSsn":              "sales_rep_ssn",
	"salesRepFirstName":        "sales_rep_first_name",
	"salesRepLastName":         "sales_rep_last_name",
	"salesRepAddress":          "sales_rep_address",
	"salesRepCity":             "sales_rep_city",
	"salesRepState":            "sales_rep_state",
	"salesRepZip":              "sales_rep_zip",
	"shippingAddressAttention": "shipping_address_attention",
	"shippingAddressAddress":   "shipping_address_address",
	"shippingAddressCity":      "shipping_address_city",
	"shippingAddressState":     "shipping_address_state",
	"shippingAddressZip":       "shipping_address_zip",
	"productId":                "product_id",
	"productQuantity":          "product_quantity",
	"productSoldPrice":         "product_sold_price",
}

// Source pairs the parser descriptor of one historical file with its mapping.
type Source struct {
	Descriptor format.Descriptor
	Normalize  normalize.Config
}

// Source2017 reads the fixed-width backup, whose fields already carry the
// canonical names.
func Source2017() Source {
	return Source{
		Descriptor: format.Descriptor{Kind: format.KindFixedWidth, Fields: Layout2017},
		Normalize:  normalize.Config{Passthrough: CanonicalColumns(), Reserved: provenance},
	}
}

// Source2018 reads the tab-separated backup with snake_case headers.
func Source2018() Source {
	return Source{
		Descriptor: format.Descriptor{Kind: format.KindDelimited, Delimiter: "\t", NullToken: format.DefaultNullToken},
		Normalize:  normalize.Config{Passthrough: CanonicalColumns(), Reserved: provenance},
	}
}

// Source2019 reads the comma-separated backup with camelCase headers.
func Source2019() Source {
	return Source{
		Descriptor: format.Descriptor{Kind: format.KindDelimited, Delimiter: ",", NullToken: format.DefaultNullToken},
		Normalize:  normalize.Config{Mapping: Mapping2019, Reserved: provenance},
	}
}

// OrdersStreamSchema is the schema of the streamed orders table. submitted_at
// and the shipping zip are typed; submitted_yyyy_mm is derived and partitions
// the table.
func OrdersStreamSchema(name string) *types.Schema {
	cols := []types.Column{
		{Name: "submitted_at", Type: types.TypeTimestamp, Nullable: true},
		{Name: "customer_id", Type: types.TypeString, Nullable: true},
		{Name: "order_id", Type: types.TypeString, Nullable: true},
		{Name: "sales_rep_id", Type: types.TypeString, Nullable: true},
		{Name: "shipping_address_attention", Type: types.TypeString, Nullable: true},
		{Name: "shipping_address_address", Type: types.TypeString, Nullable: true},
		{Name: "shipping_address_city", Type: types.TypeString, Nullable: true},
		{Name: "shipping_address_state", Type: types.TypeString, Nullable: true},
		{Name: "shipping_address_zip", Type: types.TypeInteger, Nullable: true},
	}
	cols = append(cols, provenanceColumns()...)
	cols = append(cols, types.Column{Name: PartitionColumn, Type: types.TypeString, Nullable: true})
	return types.NewSchema(name, cols...)
}

// OrdersStreamPartitioning partitions the orders stream by month.
func OrdersStreamPartitioning() types.PartitionSpec {
	return types.PartitionSpec{Columns: []string{PartitionColumn}}
}

// OrdersStreamSource projects one record per JSON order.
func OrdersStreamSource() Source {
	projection := []format.Path{
		{Name: "submitted_at", Path: "submittedAt"},
		{Name: "customer_id", Path: "customerId"},
		{Name: "order_id", Path: "orderId"},
		{Name: "sales_rep_id", Path: "salesRepId"},
		{Name: "shipping_address_attention", Path: "shippingAddress.attention"},
		{Name: "shipping_address_address", Path: "shippingAddress.address"},
		{Name: "shipping_address_city", Path: "shippingAddress.city"},
		{Name: "shipping_address_state", Path: "shippingAddress.state"},
		{Name: "shipping_address_zip", Path: "shippingAddress.zip"},
	}
	passthrough := make([]string, len(projection))
	for i, p := range projection {
		passthrough[i] = p.Name
	}
	return Source{
		Descriptor: format.Descriptor{Kind: format.KindJSONLines, Projection: projection},
		Normalize: normalize.Config{
			Passthrough: passthrough,
			Derived: []normalize.Derivation{
				{Target: PartitionColumn, Source: "submitted_at", Transform: normalize.TransformMonth},
			},
			Reserved: provenance,
		},
	}
}

// LineItemsSchema is the schema of the exploded line items table.
func LineItemsSchema(name string) *types.Schema {
	cols := []types.Column{
		{Name: "order_id", Type: types.TypeString, Nullable: true},
		{Name: "product_id", Type: types.TypeString, Nullable: true},
		{Name: "product_quantity", Type: types.TypeInteger, Nullable: true},
		{Name: "product_sold_price", Type: types.TypeDecimal, Precision: 10, Scale: 2, Nullable: true},
	}
	cols = append(cols, provenanceColumns()...)
	return types.NewSchema(name, cols...)
}

// LineItemsSource explodes the products array, one record per product, each
// carrying its order id.
func LineItemsSource() Source {
	return Source{
		Descriptor: format.Descriptor{
			Kind:       format.KindJSONLines,
			Projection: []format.Path{{Name: "order_id", Path: "orderId"}},
			Explode:    "products",
			ExplodeProjection: []format.Path{
				{Name: "product_id", Path: "productId"},
				{Name: "product_quantity", Path: "quantity"},
				{Name: "product_sold_price", Path: "soldPrice"},
			},
		},
		Normalize: normalize.Config{
			Passthrough: []string{"order_id", "product_id", "product_quantity", "product_sold_price"},
			Reserved:    provenance,
		},
	}
}

// Build constructs the parser and normalizer of a source for schema.
func (s Source) Build(schema *types.Schema) (format.Parser, *normalize.Normalizer, error) {
	parser, err := format.New(s.Descriptor)
	if err != nil {
		return nil, nil, err
	}
	norm, err := normalize.New(s.Normalize, schema)
	if err != nil {
		return nil, nil, err
	}
	return parser, norm, nil
}
