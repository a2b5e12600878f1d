package resolver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/registry"
	"github.com/BTreeMap/DialogPipe/internal/testutil"
)

func newRegistry(t *testing.T, flows ...models.Flow) *registry.Registry {
	t.Helper()
	r := registry.New()
	require.NoError(t, r.RegisterAll(flows))
	return r
}

func foodFlow() models.Flow {
	f := testutil.WaitFlow("food_flow", "order_food", "food")
	f.Name = "Food Order Flow"
	return f
}

func TestResolveExactTrigger(t *testing.T) {
	reg := newRegistry(t, foodFlow(), testutil.WaitFlow("parcel_flow", "book_parcel", "parcel"))

	res, err := New(reg).Resolve("book_parcel", "parcel", "")
	require.NoError(t, err)
	assert.Equal(t, "parcel_flow", res.Flow.ID)
	assert.Equal(t, StrategyExactTrigger, res.Strategy)
}

func TestResolveExactTriggerWithoutModule(t *testing.T) {
	reg := newRegistry(t, foodFlow(), testutil.WaitFlow("otp_login", "login", "auth"))

	res, err := New(reg).Resolve("login", "", "")
	require.NoError(t, err)
	assert.Equal(t, "otp_login", res.Flow.ID)
	assert.Equal(t, StrategyExactTrigger, res.Strategy)
}

func TestResolveKeywordFallback(t *testing.T) {
	reg := newRegistry(t, testutil.WaitFlow("shop_flow", "buy", "ecommerce"), foodFlow())

	res, err := New(reg).Resolve("unknown", "general", "I want to order pizza")
	require.NoError(t, err)
	assert.Equal(t, "food_flow", res.Flow.ID)
	assert.Equal(t, StrategyKeyword, res.Strategy)
}

func TestResolveKeywordDomainOrder(t *testing.T) {
	reg := newRegistry(t, foodFlow(), testutil.WaitFlow("parcel_flow", "book_parcel", "parcel"))

	// "order" is a food keyword, "send" a parcel keyword; parcel is checked first.
	res, err := New(reg).Resolve("", "", "order a courier to send my stuff")
	require.NoError(t, err)
	assert.Equal(t, "parcel_flow", res.Flow.ID)
	assert.Equal(t, StrategyKeyword, res.Strategy)
}

func TestResolveKeywordOnlyForGenericIntent(t *testing.T) {
	reg := newRegistry(t, testutil.WaitFlow("parcel_flow", "book_parcel", "parcel"), foodFlow())

	res, err := New(reg).Resolve("check_weather", "food", "I am hungry, send help")
	require.NoError(t, err)
	assert.Equal(t, StrategyModule, res.Strategy)
	assert.Equal(t, "food_flow", res.Flow.ID)
}

func TestResolveKeywordRequiresWordBoundary(t *testing.T) {
	_, ok := MatchDomain(DefaultDomains, "the shipment of sendmail")
	assert.False(t, ok)

	domain, ok := MatchDomain(DefaultDomains, "Please SHIP it")
	require.True(t, ok)
	assert.Equal(t, "parcel", domain)
}

func TestResolveModuleFallback(t *testing.T) {
	reg := newRegistry(t, testutil.WaitFlow("parcel_flow", "book_parcel", "parcel"), foodFlow())

	res, err := New(reg).Resolve("track_order", "food", "where is it")
	require.NoError(t, err)
	assert.Equal(t, "food_flow", res.Flow.ID)
	assert.Equal(t, StrategyModule, res.Strategy)
}

func TestResolveGlobalDefault(t *testing.T) {
	reg := newRegistry(t, foodFlow())

	res, err := New(reg).Resolve("book_parcel", "parcel", "hello there")
	require.NoError(t, err)
	assert.Equal(t, "food_flow", res.Flow.ID)
	assert.Equal(t, StrategyGlobalDefault, res.Strategy)
	assert.True(t, res.Strategy.Degraded())
}

func TestResolveNothingEnabled(t *testing.T) {
	reg := newRegistry(t, foodFlow())
	require.NoError(t, reg.SetEnabled("food_flow", false))

	_, err := New(reg).Resolve("order_food", "food", "menu please")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrFlowNotFound))

	var nf *models.FlowNotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "order_food", nf.Intent)
}

func TestResolveIsDeterministic(t *testing.T) {
	reg := newRegistry(t,
		testutil.WaitFlow("a", "greet", "general"),
		testutil.WaitFlow("b", "greet", "general"),
		foodFlow(),
	)
	snap := reg.Snapshot()

	inputs := []struct{ intent, module, message string }{
		{"greet", "general", ""},
		{"unknown", "x", "I want to eat"},
		{"nope", "general", ""},
		{"nope", "nope", "nothing"},
	}
	for _, in := range inputs {
		first, err := Resolve(snap, DefaultDomains, in.intent, in.module, in.message)
		require.NoError(t, err)
		for i := 0; i < 20; i++ {
			again, err := Resolve(snap, DefaultDomains, in.intent, in.module, in.message)
			require.NoError(t, err)
			assert.Same(t, first.Flow, again.Flow)
			assert.Equal(t, first.Strategy, again.Strategy)
		}
	}
}

func TestIsGenericIntent(t *testing.T) {
	for _, intent := range []string{"", "unknown", " General ", "fallback"} {
		assert.True(t, IsGenericIntent(intent), intent)
	}
	assert.False(t, IsGenericIntent("book_parcel"))
}
