package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

var errNoCases = errors.New("condition has neither expression nor cases")

type conditionCase struct {
	When   string `json:"when" validate:"required"`
	Signal string `json:"signal" validate:"required"`
}

type conditionConfig struct {
	Expression string          `json:"expression"`
	Cases      []conditionCase `json:"cases" validate:"dive"`
	Default    string          `json:"default" default:"default"`
}

// condition evaluates either a single expression, whose value becomes the
// signal ("true"/"false" for booleans), or an ordered list of cases where the
// first true case wins. It has no user-visible output.
func condition(_ context.Context, raw map[string]any, ec *Context) Result {
	var cfg conditionConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return configError(ec, err)
	}

	if cfg.Expression != "" {
		out, err := evaluate(cfg.Expression, ec)
		if err != nil {
			return configError(ec, err)
		}
		switch v := out.(type) {
		case nil:
			return Result{Signal: cfg.Default}
		case bool:
			return Result{Signal: fmt.Sprintf("%t", v), Output: v}
		case float64:
			return Result{Signal: formatNumber(v), Output: v}
		default:
			return Result{Signal: strings.TrimSpace(fmt.Sprint(v)), Output: v}
		}
	}

	if len(cfg.Cases) == 0 {
		return configError(ec, errNoCases)
	}
	for _, c := range cfg.Cases {
		ok, err := evaluateBool(c.When, ec)
		if err != nil {
			return configError(ec, err)
		}
		if ok {
			return Result{Signal: c.Signal, Output: c.Signal}
		}
	}
	return Result{Signal: cfg.Default, Output: cfg.Default}
}

type buttonConfig struct {
	Label string `json:"label" validate:"required"`
	Value string `json:"value"`
}

type respondConfig struct {
	Text    string         `json:"text"`
	Buttons []buttonConfig `json:"buttons" validate:"dive"`
	Cards   []buttonConfig `json:"cards" validate:"dive"`
	Signal  string         `json:"signal" default:"success"`
	Final   bool           `json:"final"`
}

// respond emits text and structured elements.
func respond(_ context.Context, raw map[string]any, ec *Context) Result {
	var cfg respondConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return configError(ec, err)
	}
	res := Result{Signal: cfg.Signal, Text: interpolate(cfg.Text, ec), Complete: cfg.Final}
	for _, b := range cfg.Buttons {
		res.Elements = append(res.Elements, element(models.ElementButton, b, ec))
	}
	for _, c := range cfg.Cards {
		res.Elements = append(res.Elements, element(models.ElementCard, c, ec))
	}
	return res
}

func element(kind models.ElementType, b buttonConfig, ec *Context) models.Element {
	value := b.Value
	if value == "" {
		value = b.Label
	}
	return models.Element{Type: kind, Label: interpolate(b.Label, ec), Value: interpolate(value, ec)}
}
