package sim

import "github.com/provana/cascata/internal/api"

// Catalogue returns the product read model.
func Catalogue() []api.Product {
	return []api.Product{
		{ProductID: "brk-cc-01", Name: "Carbon-ceramic brake kit", Category: "brakes",
			UnitPriceEUR: 1840, MinOrderQuantity: 2, LeadTimeDays: 21},
		{ProductID: "sus-act-04", Name: "Active suspension actuator", Category: "suspension",
			UnitPriceEUR: 920, MinOrderQuantity: 4, LeadTimeDays: 14},
		{ProductID: "ecu-pt-09", Name: "Powertrain control unit", Category: "electronics",
			UnitPriceEUR: 2310, MinOrderQuantity: 1, LeadTimeDays: 28},
		{ProductID: "whl-fg-02", Name: "Forged wheel set", Category: "wheels",
			UnitPriceEUR: 3150, MinOrderQuantity: 1, LeadTimeDays: 10},
	}
}

// Suppliers returns the supplier read model.
func Suppliers() []api.Supplier {
	return []api.Supplier{
		{ID: "supplier-brakes-01", Name: "Alpine Brakes SpA", Country: "IT", TrustScore: 0.92, Tier: "tier_1"},
		{ID: "supplier-brakes-02", Name: "Nordwerk Friction GmbH", Country: "DE", TrustScore: 0.87, Tier: "tier_1"},
		{ID: "supplier-elec-03", Name: "Velden Electronics BV", Country: "NL", TrustScore: 0.81, Tier: "tier_2"},
		{ID: "supplier-wheels-01", Name: "Forgiatura Adige Srl", Country: "IT", TrustScore: 0.78, Tier: "tier_2"},
	}
}

// Agents returns the agent directory read model.
func Agents() []api.AgentInfo {
	return []api.AgentInfo{
		{ID: buyer.ID, Name: buyer.Label, Role: "buyer", Status: "active"},
		{ID: directory.ID, Name: directory.Label, Role: "registry", Status: "active"},
		{ID: logistics.ID, Name: logistics.Label, Role: "logistics", Status: "active"},
		{ID: "supplier-brakes-01", Name: "Alpine Brakes SpA", Role: "tier_1_supplier", Status: "active"},
		{ID: "supplier-brakes-02", Name: "Nordwerk Friction GmbH", Role: "tier_1_supplier", Status: "active"},
	}
}
