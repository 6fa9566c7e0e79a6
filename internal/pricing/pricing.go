package pricing

import (
	"math"

	"github.com/example/errand-dispatch/internal/geo"
	"github.com/example/errand-dispatch/internal/models"
)

// Config is the per-km delivery fee rule. Amounts are integer minor units;
// the defaults are kobo: ₦1000/km with a ₦500 floor.
type Config struct {
	RatePerKm int64
	Floor     int64
	Currency  string
}

func DefaultConfig() Config {
	return Config{RatePerKm: 100000, Floor: 50000, Currency: "NGN"}
}

// FeeFor prices the pickup->dropoff leg by haversine distance. The floor
// applies whenever the computed fee would come out lower, including the
// invalid-coordinate case where the distance collapses to the 0 sentinel.
func (c Config) FeeFor(pickup, dropoff models.GeoPoint) models.Money {
	d := geo.DistanceKm(pickup, dropoff)
	amount := int64(math.Round(d * float64(c.RatePerKm)))
	if amount < c.Floor {
		amount = c.Floor
	}
	return models.Money{Amount: amount, Currency: c.Currency}
}
