package executor

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

var validate = validator.New()

// decodeConfig fills target from an action config map: struct defaults first,
// then the configured values, then validation. target must be a pointer to a
// struct using json tags.
func decodeConfig(raw map[string]any, target any) error {
	if err := defaults.Set(target); err != nil {
		return fmt.Errorf("failed to apply default values: %w", err)
	}

	if len(raw) > 0 {
		if err := decodeValue(raw, target); err != nil {
			return fmt.Errorf("invalid step config: %w", err)
		}
	}

	if err := validate.Struct(target); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			msgs := make([]string, 0, len(validationErrors))
			for _, fieldErr := range validationErrors {
				msgs = append(msgs, fmt.Sprintf("field '%s' failed validation (rule: %s)", fieldErr.Field(), fieldErr.Tag()))
			}
			return fmt.Errorf("invalid step config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid step config: %w", err)
	}
	return nil
}

// decodeValue converts a JSON-like value (maps, slices, scalars) into target
// using json tags and weak typing.
func decodeValue(raw any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  target,
		TagName: "json",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
		),
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	return decoder.Decode(raw)
}

// configError turns a decode failure into a Result. Config errors are not
// transient, so they carry the error signal without an Err to retry on.
func configError(ec *Context, err error) Result {
	slog.Error("Executor config invalid", "flowID", ec.FlowID, "stateID", ec.StateID, "actionID", ec.Action.ID, "executor", ec.Action.Executor, "error", err)
	return Result{Signal: models.SignalError}
}
