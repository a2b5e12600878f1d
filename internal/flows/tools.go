package flows

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"

	"github.com/BTreeMap/DialogPipe/internal/executor"
)

// Tool names referenced by the built-in flows.
const (
	ToolMenuLookup = "menu_lookup"
	ToolIssueOTP   = "issue_otp"
)

// OTPLength is the number of digits in issued sign-in codes.
const OTPLength = 6

// OTPCodeKey is the collected-data key holding the issued code. It is compared
// against the user's answer and must not leave the service.
const OTPCodeKey = "otp_code"

// MenuItem is a dish on the restaurant menu.
type MenuItem struct {
	Name  string
	Price float64
}

// Menu is the restaurant menu used by food_flow.
var Menu = []MenuItem{
	{Name: "Margherita Pizza", Price: 12.5},
	{Name: "Pad Thai", Price: 11},
	{Name: "Caesar Salad", Price: 9},
}

// CodeSender delivers a one-time code to a phone number.
type CodeSender interface {
	SendCode(ctx context.Context, phone, code string) error
}

// ToolOption configures the built-in tools.
type ToolOption func(*toolOpts)

type toolOpts struct {
	sender   CodeSender
	generate func() (string, error)
}

// WithCodeSender sets where issued codes are delivered. Without one, codes are
// only stored in the session.
func WithCodeSender(s CodeSender) ToolOption {
	return func(o *toolOpts) {
		o.sender = s
	}
}

// WithCodeGenerator replaces the random code generator.
func WithCodeGenerator(fn func() (string, error)) ToolOption {
	return func(o *toolOpts) {
		o.generate = fn
	}
}

// RegisterTools adds the tools used by the built-in flows to table.
func RegisterTools(table *executor.ToolTable, opts ...ToolOption) {
	o := toolOpts{generate: randomCode}
	for _, opt := range opts {
		opt(&o)
	}
	table.Register(ToolMenuLookup, menuLookup)
	table.Register(ToolIssueOTP, issueOTP(o))
}

// menuLookup turns a dish and quantity into pricing line items.
func menuLookup(_ context.Context, args map[string]any) (map[string]any, error) {
	dish := strings.TrimSpace(fmt.Sprint(args["dish"]))
	qty, err := strconv.ParseFloat(strings.TrimSpace(fmt.Sprint(args["quantity"])), 64)
	if err != nil || qty <= 0 {
		return nil, fmt.Errorf("invalid quantity %v", args["quantity"])
	}
	for _, item := range Menu {
		if strings.EqualFold(item.Name, dish) {
			return map[string]any{
				"items": []any{
					map[string]any{"name": item.Name, "price": item.Price, "quantity": qty},
				},
				"unit_price": item.Price,
			}, nil
		}
	}
	return map[string]any{
		"signal":  "invalid",
		"message": fmt.Sprintf("%q is not on the menu.", dish),
	}, nil
}

func issueOTP(o toolOpts) executor.ToolFunc {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		phone, _ := args["phone"].(string)
		if phone == "" {
			return nil, fmt.Errorf("phone is required")
		}
		code, err := o.generate()
		if err != nil {
			return nil, fmt.Errorf("failed to generate code: %w", err)
		}
		if o.sender != nil {
			if err := o.sender.SendCode(ctx, phone, code); err != nil {
				return nil, fmt.Errorf("failed to send code: %w", err)
			}
		}
		slog.Info("OTP issued", "phone", phone, "delivered", o.sender != nil)
		return map[string]any{OTPCodeKey: code}, nil
	}
}

func randomCode() (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < OTPLength; i++ {
		limit.Mul(limit, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", OTPLength, n), nil
}
