package reconcile

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"github.com/reviewmaster/billing-api/internal/domain/wallet"
)

//go:embed plans.toml
var defaultCatalog string

type Plan struct {
	ID           string   `toml:"id" json:"id"`
	Name         string   `toml:"name" json:"name"`
	Prices       []string `toml:"prices" json:"prices"`
	LegacyPrices []string `toml:"legacy_prices" json:"legacy_prices,omitempty"`
}

// Pack is a one-off credit bundle sold through checkout.
type Pack struct {
	Price   string `toml:"price" json:"price"`
	Credits int64  `toml:"credits" json:"credits"`
}

type catalogFile struct {
	Version     int    `toml:"version"`
	DefaultPlan string `toml:"default_plan"`
	Plans       []Plan `toml:"plans"`
	Packs       []Pack `toml:"packs"`
}

// Catalog resolves processor price ids. Unknown prices map to the default plan.
type Catalog struct {
	version     int
	defaultPlan string
	plans       []Plan
	planByPrice map[string]string
	packByPrice map[string]int64
}

// LoadCatalog reads path, or the embedded catalog when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return parseCatalog(defaultCatalog)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	return parseCatalog(string(data))
}

// parseCatalog decodes TOML text, rejecting keys the catalog does not know.
func parseCatalog(data string) (*Catalog, error) {
	var f catalogFile
	md, err := toml.Decode(data, &f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalidCatalog, strings.Join(keys, ", "))
	}
	return newCatalog(f)
}

func newCatalog(f catalogFile) (*Catalog, error) {
	if f.Version <= 0 {
		return nil, fmt.Errorf("%w: version must be positive", ErrInvalidCatalog)
	}
	if f.DefaultPlan == "" {
		f.DefaultPlan = wallet.PlanTrial
	}

	c := &Catalog{
		version:     f.Version,
		defaultPlan: f.DefaultPlan,
		plans:       f.Plans,
		planByPrice: make(map[string]string),
		packByPrice: make(map[string]int64),
	}
	for _, p := range f.Plans {
		if p.ID == "" {
			return nil, fmt.Errorf("%w: plan without id", ErrInvalidCatalog)
		}
		for _, price := range append(append([]string{}, p.Prices...), p.LegacyPrices...) {
			if other, ok := c.planByPrice[price]; ok {
				return nil, fmt.Errorf("%w: price %s mapped to %s and %s", ErrInvalidCatalog, price, other, p.ID)
			}
			c.planByPrice[price] = p.ID
		}
	}
	for _, pk := range f.Packs {
		if pk.Credits <= 0 {
			return nil, fmt.Errorf("%w: pack %s has no credits", ErrInvalidCatalog, pk.Price)
		}
		if _, ok := c.planByPrice[pk.Price]; ok {
			return nil, fmt.Errorf("%w: price %s is both a plan and a pack", ErrInvalidCatalog, pk.Price)
		}
		c.packByPrice[pk.Price] = pk.Credits
	}
	return c, nil
}

func (c *Catalog) Version() int { return c.version }

// PlanFor returns the plan of priceID, or the default plan when unmapped.
func (c *Catalog) PlanFor(priceID string) string {
	if plan, ok := c.planByPrice[priceID]; ok {
		return plan
	}
	return c.defaultPlan
}

// PackCredits returns the credits of one pack sold at priceID.
func (c *Catalog) PackCredits(priceID string) (decimal.Decimal, bool) {
	credits, ok := c.packByPrice[priceID]
	if !ok {
		return decimal.Zero, false
	}
	return decimal.NewFromInt(credits), true
}

// Plans lists the catalog plans sorted by id.
func (c *Catalog) Plans() []Plan {
	out := append([]Plan(nil), c.plans...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Packs lists the credit packs sorted by size.
func (c *Catalog) Packs() []Pack {
	out := make([]Pack, 0, len(c.packByPrice))
	for price, credits := range c.packByPrice {
		out = append(out, Pack{Price: price, Credits: credits})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Credits < out[j].Credits })
	return out
}
