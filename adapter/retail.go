package adapter

import "github.com/CharlySistemas23/possync"

// Entity types of the retail catalogue.
const (
	Customer     = "customer"
	Supplier     = "supplier"
	Product      = "product"
	Sale         = "sale"
	SaleItem     = "sale_item"
	Payment      = "payment"
	InventoryLog = "inventory_log"
)

// RetailSpecs returns the entity specs of the retail app. Sale item ids are
// derived from their sale's id, so they move with it on reconciliation.
func RetailSpecs() []Spec {
	return []Spec{
		{
			EntityType: Customer,
			Table:      "customers",
			NaturalKey: "email",
			Cascades: []possync.Cascade{
				{Table: "sales", EntityType: Sale, Field: "customer_id"},
			},
		},
		{
			EntityType: Supplier,
			Table:      "suppliers",
			NaturalKey: "code",
			Cascades: []possync.Cascade{
				{Table: "products", EntityType: Product, Field: "supplier_id"},
			},
		},
		{
			EntityType: Product,
			Table:      "products",
			NaturalKey: "sku",
			References: []Reference{
				{Field: "supplier_id", Table: "suppliers"},
			},
			Cascades: []possync.Cascade{
				{Table: "sale_items", EntityType: SaleItem, Field: "product_id"},
			},
		},
		{
			EntityType: Sale,
			Table:      "sales",
			NaturalKey: "folio",
			References: []Reference{
				{Field: "customer_id", Table: "customers"},
			},
			Cascades: []possync.Cascade{
				{Table: "sale_items", EntityType: SaleItem, Field: "sale_id", Rekey: true},
				{Table: "payments", EntityType: Payment, Field: "sale_id"},
			},
		},
		{
			EntityType: SaleItem,
			Table:      "sale_items",
			Path:       "sale-items",
			References: []Reference{
				{Field: "sale_id", Table: "sales", Required: true},
				{Field: "product_id", Table: "products", Required: true},
			},
		},
		{
			EntityType: Payment,
			Table:      "payments",
			References: []Reference{
				{Field: "sale_id", Table: "sales", Required: true},
			},
		},
		{
			EntityType:    InventoryLog,
			Table:         "inventory_logs",
			Path:          "inventory-logs",
			ServerDerived: true,
		},
	}
}

// RegisterRetail registers an adapter for every retail entity type.
func RegisterRetail(registry *possync.Registry, remote Remote) error {
	for _, spec := range RetailSpecs() {
		if err := registry.Register(New(spec, remote)); err != nil {
			return err
		}
	}
	return nil
}
