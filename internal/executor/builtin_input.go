package executor

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// Input kinds understood by collect_data.
const (
	inputText   = "text"
	inputNumber = "number"
	inputPhone  = "phone"
	inputEmail  = "email"
	inputOTP    = "otp"
	inputChoice = "choice"
)

var (
	phoneRe       = regexp.MustCompile(`^\+?[0-9]{7,15}$`)
	otpRe         = regexp.MustCompile(`^[0-9]{4,8}$`)
	phoneStripper = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
)

type collectConfig struct {
	Field          string   `json:"field"`
	Type           string   `json:"type" default:"text" validate:"oneof=text number phone email otp choice"`
	Pattern        string   `json:"pattern"`
	Options        []string `json:"options" validate:"required_if=Type choice"`
	MinLength      int      `json:"minLength" validate:"gte=0"`
	MaxLength      int      `json:"maxLength" validate:"gte=0"`
	Expected       string   `json:"expected"`
	ExpectedKey    string   `json:"expectedKey"`
	ErrorMessage   string   `json:"errorMessage"`
	SuccessMessage string   `json:"successMessage"`
	Authenticates  bool     `json:"authenticates"`
}

// collectData validates the user's input for a wait state and stores it.
// Rejected input yields the "invalid" signal; it is not an error.
func collectData(_ context.Context, raw map[string]any, ec *Context) Result {
	var cfg collectConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return configError(ec, err)
	}
	field := cfg.Field
	if field == "" {
		field = ec.Action.ID
	}
	if field == "" {
		field = ec.StateID
	}

	value, ok := parseInput(&cfg, strings.TrimSpace(ec.Input))
	if ok && cfg.Pattern != "" {
		re, err := regexp.Compile(cfg.Pattern)
		if err != nil {
			return configError(ec, fmt.Errorf("bad pattern: %w", err))
		}
		ok = re.MatchString(strings.TrimSpace(ec.Input))
	}
	if ok {
		ok = matchesExpected(&cfg, value, ec)
	}
	if !ok {
		return Result{Signal: models.SignalInvalid, Text: interpolate(cfg.ErrorMessage, ec)}
	}

	res := Result{
		Signal:        models.SignalSuccess,
		Data:          map[string]any{field: value},
		Output:        value,
		Authenticated: cfg.Authenticates,
	}
	if cfg.SuccessMessage != "" {
		ec2 := *ec
		ec2.Data = models.CloneMap(ec.Data)
		if ec2.Data == nil {
			ec2.Data = map[string]any{}
		}
		ec2.Data[field] = value
		res.Text = interpolate(cfg.SuccessMessage, &ec2)
	}
	return res
}

func parseInput(cfg *collectConfig, input string) (any, bool) {
	if input == "" {
		return nil, false
	}
	switch cfg.Type {
	case inputNumber:
		f, err := strconv.ParseFloat(strings.ReplaceAll(input, ",", ""), 64)
		if err != nil {
			return nil, false
		}
		return f, true
	case inputPhone:
		phone := phoneStripper.Replace(input)
		if !phoneRe.MatchString(phone) {
			return nil, false
		}
		return phone, true
	case inputEmail:
		if err := validate.Var(input, "required,email"); err != nil {
			return nil, false
		}
		return strings.ToLower(input), true
	case inputOTP:
		code := strings.ReplaceAll(input, " ", "")
		if !otpRe.MatchString(code) {
			return nil, false
		}
		return code, true
	case inputChoice:
		if n, err := strconv.Atoi(input); err == nil && n >= 1 && n <= len(cfg.Options) {
			return cfg.Options[n-1], true
		}
		for _, opt := range cfg.Options {
			if strings.EqualFold(opt, input) {
				return opt, true
			}
		}
		return nil, false
	default:
		n := len([]rune(input))
		if n < cfg.MinLength || (cfg.MaxLength > 0 && n > cfg.MaxLength) {
			return nil, false
		}
		return input, true
	}
}

func matchesExpected(cfg *collectConfig, value any, ec *Context) bool {
	expected := ""
	switch {
	case cfg.ExpectedKey != "":
		v, ok := ec.Data[cfg.ExpectedKey]
		if !ok {
			return false
		}
		expected = fmt.Sprint(v)
	case cfg.Expected != "":
		expected = interpolate(cfg.Expected, ec)
	default:
		return true
	}
	return fmt.Sprint(value) == expected
}

type validateConfig struct {
	Expression    string `json:"expression" validate:"required"`
	ErrorMessage  string `json:"errorMessage"`
	SuccessSignal string `json:"successSignal" default:"success"`
	FailureSignal string `json:"failureSignal" default:"invalid"`
}

// validateExpression checks a boolean expression over the conversation.
func validateExpression(_ context.Context, raw map[string]any, ec *Context) Result {
	var cfg validateConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return configError(ec, err)
	}
	ok, err := evaluateBool(cfg.Expression, ec)
	if err != nil {
		return configError(ec, err)
	}
	if !ok {
		return Result{Signal: cfg.FailureSignal, Text: interpolate(cfg.ErrorMessage, ec), Output: false}
	}
	return Result{Signal: cfg.SuccessSignal, Output: true}
}

type serviceZone struct {
	Name      string  `json:"name" validate:"required"`
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
	RadiusKm  float64 `json:"radiusKm" validate:"gt=0"`
}

type zoneConfig struct {
	LocationKey  string        `json:"locationKey" default:"location"`
	Field        string        `json:"field" default:"zone"`
	Zones        []serviceZone `json:"zones" validate:"required,min=1,dive"`
	ErrorMessage string        `json:"errorMessage" default:"Sorry, that location is outside our service area."`
}

// validateZone accepts a location that falls inside one of the configured
// service zones. The location is read from data or, failing that, from the
// user's input as "lat,lng".
func validateZone(_ context.Context, raw map[string]any, ec *Context) Result {
	var cfg zoneConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return configError(ec, err)
	}

	p, ok := parsePoint(ec.Data[cfg.LocationKey])
	if !ok {
		p, ok = parsePoint(ec.Input)
	}
	if !ok {
		return Result{Signal: models.SignalInvalid, Text: cfg.ErrorMessage}
	}

	for _, z := range cfg.Zones {
		d := haversineKm(p, point{Lat: z.Latitude, Lng: z.Longitude})
		if d <= z.RadiusKm {
			return Result{
				Signal: models.SignalSuccess,
				Data:   map[string]any{cfg.Field: z.Name, cfg.LocationKey: p.asMap()},
				Output: z.Name,
			}
		}
	}
	return Result{Signal: models.SignalInvalid, Text: cfg.ErrorMessage}
}
