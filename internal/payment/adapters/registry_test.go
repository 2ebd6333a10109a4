package adapters

import (
	"testing"
	"time"

	"github.com/smallbiznis/coursepay/internal/clock"
	credentialdomain "github.com/smallbiznis/coursepay/internal/credential/domain"
	"github.com/smallbiznis/coursepay/internal/payment/adapters/razorpay"
	"github.com/smallbiznis/coursepay/internal/payment/adapters/simulated"
	"github.com/smallbiznis/coursepay/internal/payment/adapters/stripe"
	"github.com/smallbiznis/coursepay/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	sim := simulated.NewSimulator(clock.NewFakeClock(time.Unix(1718000000, 0)))
	return NewRegistry(sim, stripe.NewFactory(), razorpay.NewFactory(), nil)
}

func TestRegistryLooksUpCaseInsensitively(t *testing.T) {
	registry := newTestRegistry()

	assert.True(t, registry.GatewayExists("Stripe"))
	assert.False(t, registry.GatewayExists("adyen"))
	assert.Equal(t, []string{"razorpay", "stripe"}, registry.Gateways())

	_, err := registry.NewAdapter("adyen", credentialdomain.Credentials{})
	assert.ErrorIs(t, err, domain.ErrGatewayNotFound)
}

func TestRegistryReturnsSimulatedAdapterInTestMode(t *testing.T) {
	registry := newTestRegistry()

	live, err := registry.NewAdapter("razorpay", credentialdomain.Credentials{
		GatewayID:      "razorpay",
		PublishableKey: "rzp_key",
		SecretKey:      "rzp_secret",
	})
	require.NoError(t, err)
	assert.IsType(t, &razorpay.Adapter{}, live)

	sandbox, err := registry.NewAdapter("razorpay", credentialdomain.Credentials{GatewayID: "razorpay", TestMode: true})
	require.NoError(t, err)
	assert.IsType(t, &simulated.Adapter{}, sandbox)
	assert.Equal(t, "razorpay", sandbox.Gateway())
}

func TestRegistryPropagatesNotConfigured(t *testing.T) {
	_, err := newTestRegistry().NewAdapter("stripe", credentialdomain.Credentials{GatewayID: "stripe"})
	assert.ErrorIs(t, err, domain.ErrNotConfigured)
}
