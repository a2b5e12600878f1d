package executor

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/settings"
)

const earthRadiusKm = 6371.0

type point struct {
	Lat float64
	Lng float64
}

func (p point) asMap() map[string]any {
	return map[string]any{"lat": p.Lat, "lng": p.Lng}
}

// parsePoint accepts {lat,lng}, {latitude,longitude} maps and "lat,lng" strings.
func parsePoint(v any) (point, bool) {
	switch val := v.(type) {
	case map[string]any:
		lat, okLat := firstFloat(val, "lat", "latitude")
		lng, okLng := firstFloat(val, "lng", "lon", "longitude")
		if !okLat || !okLng {
			return point{}, false
		}
		return validPoint(point{Lat: lat, Lng: lng})
	case string:
		parts := strings.Split(val, ",")
		if len(parts) != 2 {
			return point{}, false
		}
		lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		lng, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err1 != nil || err2 != nil {
			return point{}, false
		}
		return validPoint(point{Lat: lat, Lng: lng})
	default:
		return point{}, false
	}
}

func validPoint(p point) (point, bool) {
	if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return point{}, false
	}
	return p, true
}

func firstFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := numeric(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

// numeric reads numbers and numeric strings.
func numeric(v any) (float64, bool) {
	if f, ok := toFloat(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}
	return 0, false
}

// haversineKm is the great-circle distance between two points.
func haversineKm(a, b point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

func round(f float64, precision int) float64 {
	p := math.Pow(10, float64(precision))
	return math.Round(f*p) / p
}

// withData returns a copy of ec whose data also holds extra, so messages can
// refer to values computed by the current step.
func withData(ec *Context, extra map[string]any) *Context {
	cp := *ec
	cp.Data = models.CloneMap(ec.Data)
	if cp.Data == nil {
		cp.Data = map[string]any{}
	}
	for k, v := range extra {
		cp.Data[k] = v
	}
	return &cp
}

type calculateConfig struct {
	Expression string `json:"expression" validate:"required"`
	Field      string `json:"field" validate:"required"`
	Precision  int    `json:"precision" default:"2" validate:"gte=0,lte=8"`
	Message    string `json:"message"`
}

// calculate evaluates a numeric expression and stores the result.
func calculate(_ context.Context, raw map[string]any, ec *Context) Result {
	var cfg calculateConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return configError(ec, err)
	}
	v, err := evaluateFloat(cfg.Expression, ec)
	if err != nil {
		return Result{Err: err}
	}
	v = round(v, cfg.Precision)
	data := map[string]any{cfg.Field: v}
	return Result{
		Signal: models.SignalSuccess,
		Data:   data,
		Output: v,
		Text:   interpolate(cfg.Message, withData(ec, data)),
	}
}

type distanceConfig struct {
	FromKey string `json:"fromKey" default:"pickup"`
	ToKey   string `json:"toKey" default:"dropoff"`
	Field   string `json:"field" default:"distance_km"`
	Message string `json:"message"`
}

// calculateDistance stores the great-circle distance between two locations
// held in collected data.
func calculateDistance(_ context.Context, raw map[string]any, ec *Context) Result {
	var cfg distanceConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return configError(ec, err)
	}
	from, ok := parsePoint(ec.Data[cfg.FromKey])
	if !ok {
		return Result{Signal: models.SignalInvalid, Text: fmt.Sprintf("I could not read the %s location.", cfg.FromKey)}
	}
	to, ok := parsePoint(ec.Data[cfg.ToKey])
	if !ok {
		return Result{Signal: models.SignalInvalid, Text: fmt.Sprintf("I could not read the %s location.", cfg.ToKey)}
	}
	d := round(haversineKm(from, to), 2)
	data := map[string]any{cfg.Field: d}
	return Result{
		Signal: models.SignalSuccess,
		Data:   data,
		Output: d,
		Text:   interpolate(cfg.Message, withData(ec, data)),
	}
}

type chargesConfig struct {
	DistanceKey string  `json:"distanceKey" default:"distance_km"`
	WeightKey   string  `json:"weightKey"`
	PerKgRate   float64 `json:"perKgRate" validate:"gte=0"`
	Field       string  `json:"field" default:"charges"`
	Message     string  `json:"message"`
}

// chargesExecutor prices a delivery from distance (and optional weight) using
// the rates in the settings store:
//
//	max(minimum, base + perKm*distance + perKg*weight) * (1 + tax)
func chargesExecutor(store settings.Store) Executor {
	return Func(func(_ context.Context, raw map[string]any, ec *Context) Result {
		var cfg chargesConfig
		if err := decodeConfig(raw, &cfg); err != nil {
			return configError(ec, err)
		}
		distance, ok := numeric(ec.Data[cfg.DistanceKey])
		if !ok || distance < 0 {
			return Result{Signal: models.SignalInvalid, Text: "I need the distance before I can price this."}
		}
		weight := 0.0
		if cfg.WeightKey != "" {
			weight, _ = numeric(ec.Data[cfg.WeightKey])
		}

		charge := settings.Float(store, settings.KeyBaseFare, 0) +
			settings.Float(store, settings.KeyPerKmRate, 0)*distance +
			cfg.PerKgRate*weight
		charge = math.Max(charge, settings.Float(store, settings.KeyMinimumCharge, 0))
		charge = round(charge*(1+settings.Float(store, settings.KeyTaxRate, 0)), 2)

		data := map[string]any{
			cfg.Field:  charge,
			"currency": settings.String(store, settings.KeyCurrency, "USD"),
		}
		return Result{
			Signal: models.SignalSuccess,
			Data:   data,
			Output: charge,
			Text:   interpolate(cfg.Message, withData(ec, data)),
		}
	})
}

type lineItem struct {
	Name     string  `json:"name"`
	Price    float64 `json:"price" validate:"gte=0"`
	Quantity float64 `json:"quantity" default:"1" validate:"gte=0"`
}

type pricingConfig struct {
	ItemsKey    string     `json:"itemsKey" default:"items"`
	Items       []lineItem `json:"items" validate:"dive"`
	DiscountKey string     `json:"discountKey"`
	Discount    float64    `json:"discount" validate:"gte=0"`
	TaxRate     float64    `json:"taxRate" default:"-1"` // negative: use the settings store
	Field       string     `json:"field" default:"total"`
	Message     string     `json:"message"`
}

// pricingExecutor totals line items from config or collected data and applies
// discount and tax.
func pricingExecutor(store settings.Store) Executor {
	return Func(func(_ context.Context, raw map[string]any, ec *Context) Result {
		var cfg pricingConfig
		if err := decodeConfig(raw, &cfg); err != nil {
			return configError(ec, err)
		}

		items := cfg.Items
		if len(items) == 0 {
			if v, ok := ec.Data[cfg.ItemsKey]; ok {
				if err := decodeValue(v, &items); err != nil {
					return Result{Signal: models.SignalInvalid, Text: "I could not read the items in your order."}
				}
			}
		}
		if len(items) == 0 {
			return Result{Signal: models.SignalInvalid, Text: "Your order is empty."}
		}

		subtotal := 0.0
		for _, it := range items {
			qty := it.Quantity
			if qty == 0 {
				qty = 1
			}
			subtotal += it.Price * qty
		}

		discount := cfg.Discount
		if cfg.DiscountKey != "" {
			if d, ok := numeric(ec.Data[cfg.DiscountKey]); ok {
				discount = d
			}
		}
		discount = math.Min(discount, subtotal)

		taxRate := cfg.TaxRate
		if taxRate < 0 {
			taxRate = settings.Float(store, settings.KeyTaxRate, 0)
		}
		tax := round((subtotal-discount)*taxRate, 2)
		total := round(subtotal-discount+tax, 2)

		data := map[string]any{
			"subtotal": round(subtotal, 2),
			"discount": round(discount, 2),
			"tax":      tax,
			cfg.Field:  total,
			"currency": settings.String(store, settings.KeyCurrency, "USD"),
		}
		return Result{
			Signal: models.SignalSuccess,
			Data:   data,
			Output: total,
			Text:   interpolate(cfg.Message, withData(ec, data)),
		}
	})
}

type badge struct {
	Name      string  `json:"name" validate:"required"`
	MinPoints float64 `json:"minPoints" validate:"gte=0"`
}

type gameConfig struct {
	Points  float64 `json:"points" default:"-1"` // negative: use the settings store
	Field   string  `json:"field" default:"points"`
	Reason  string  `json:"reason"`
	Badges  []badge `json:"badges" validate:"dive"`
	Message string  `json:"message"`
}

// gameExecutor awards points and unlocks badges whose threshold the new total reaches.
func gameExecutor(store settings.Store) Executor {
	return Func(func(_ context.Context, raw map[string]any, ec *Context) Result {
		var cfg gameConfig
		if err := decodeConfig(raw, &cfg); err != nil {
			return configError(ec, err)
		}
		award := cfg.Points
		if award < 0 {
			award = settings.Float(store, settings.KeyPointsPerTurn, 0)
		}
		current, _ := numeric(ec.Data[cfg.Field])
		total := current + award

		var earned []any
		for _, b := range cfg.Badges {
			if total >= b.MinPoints {
				earned = append(earned, b.Name)
			}
		}

		data := map[string]any{cfg.Field: total}
		if len(earned) > 0 {
			data["badges"] = earned
		}
		if cfg.Reason != "" {
			data["last_award_reason"] = cfg.Reason
		}
		text := interpolate(cfg.Message, withData(ec, data))
		if cfg.Message == "" && award > 0 {
			text = fmt.Sprintf("You earned %s points! Total: %s.", formatNumber(award), formatNumber(total))
		}
		return Result{Signal: models.SignalSuccess, Data: data, Output: total, Text: text}
	})
}
