package allocation

// Category is the production technology of a site.
type Category string

const (
	CategorySolar Category = "solar"
	CategoryWind  Category = "wind"
)

// DefaultAllocationPercentage is used when a consumption record omits its percentage.
const DefaultAllocationPercentage = 100.0

// ProductionRecord is the metered output of a production site for one month.
// Solar sites are never banking eligible, whatever the flag says.
type ProductionRecord struct {
	SiteID          string     `json:"site_id"`
	Category        Category   `json:"category"`
	Month           string     `json:"month"`
	BankingEligible bool       `json:"banking_eligible"`
	Units           RawBuckets `json:"units"`
}

// CanBank reports whether unused units of the record may be carried forward.
func (r ProductionRecord) CanBank() bool {
	return r.Category == CategoryWind && r.BankingEligible
}

// ConsumptionRecord is the demand of a consumption site for one month.
// AllocationPercentage weights the site's priority; nil means DefaultAllocationPercentage.
type ConsumptionRecord struct {
	SiteID               string     `json:"site_id"`
	Month                string     `json:"month"`
	AllocationPercentage *float64   `json:"allocation_percentage,omitempty"`
	Demand               RawBuckets `json:"demand"`
}

// Percentage returns the effective allocation percentage.
func (r ConsumptionRecord) Percentage() float64 {
	if r.AllocationPercentage == nil {
		return DefaultAllocationPercentage
	}
	return *r.AllocationPercentage
}

// BankingBalance is the resting banked balance of a producer before a month is settled.
type BankingBalance struct {
	ProducerID string  `json:"producer_id"`
	Balance    Buckets `json:"balance"`
}
