package channels

import (
	"context"
	"testing"

	"github.com/harun/chatgate/internal/config"
	"github.com/harun/chatgate/pkg/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct{}

func (testConfig) ListAccountIDs(*config.Config) []string { return []string{"default"} }

func (testConfig) ResolveAccount(_ *config.Config, id string) ResolvedAccount {
	return ResolvedAccount{AccountID: NormalizeAccountID(id), Enabled: true, Configured: true}
}

func (testConfig) DefaultAccountID(*config.Config) string { return config.DefaultAccountID }

type testGateway struct{}

func (testGateway) StartAccount(context.Context, GatewayContext) (func(), error) {
	return func() {}, nil
}

func TestRegistry_RegisterFillsDefaults(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Plugin{ID: " Test ", Config: testConfig{}, Gateway: testGateway{}}))

	assert.True(t, reg.IsRegistered("test"))
	assert.Equal(t, []string{"test"}, reg.IDs())

	p, ok := reg.Get("TEST")
	require.True(t, ok)
	assert.Equal(t, "test", p.Meta.Label)
	assert.Equal(t, []ChatType{ChatDirect}, p.Capabilities.ChatTypes)
	assert.Equal(t, DefaultTextChunkLimit, p.Outbound.TextChunkLimit())
	assert.Equal(t, "user-1", p.Messaging.NormalizeTarget("  user-1 "))
	assert.Nil(t, p.Status.Summary(nil, ResolvedAccount{}))

	_, err := p.Outbound.SendText(context.Background(), nil, ResolvedAccount{}, OutboundMessage{To: "x", Text: "y"})
	assert.ErrorIs(t, err, ErrUnsupported)

	res, err := p.Security.ResolveDMPolicy(nil, ResolvedAccount{AccountID: "default"})
	require.NoError(t, err)
	assert.Equal(t, security.PolicyPairing, res.Policy)
	assert.Equal(t, "channels.test.allow_from", res.AllowFromPath)
}

func TestRegistry_RegisterDoesNotMutateInput(t *testing.T) {
	reg := NewRegistry()
	in := &Plugin{ID: "test", Config: testConfig{}, Gateway: testGateway{}}
	require.NoError(t, reg.Register(in))
	assert.Nil(t, in.Outbound)
	assert.Len(t, reg.Plugins(), 1)
}

func TestRegistry_RejectsDuplicateAndIncomplete(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.Register(&Plugin{ID: "wecom", Config: testConfig{}, Gateway: testGateway{}}))
	err := reg.Register(&Plugin{ID: "WeCom", Config: testConfig{}, Gateway: testGateway{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	assert.Error(t, reg.Register(nil))
	assert.Error(t, reg.Register(&Plugin{ID: "", Config: testConfig{}, Gateway: testGateway{}}))
	assert.Error(t, reg.Register(&Plugin{ID: "x", Gateway: testGateway{}}))
	assert.Error(t, reg.Register(&Plugin{ID: "y", Config: testConfig{}}))
}

func TestPickDefaultAccount(t *testing.T) {
	assert.Equal(t, "default", PickDefaultAccount("", nil))
	assert.Equal(t, "corp", PickDefaultAccount("Corp", []string{"alpha", "corp"}))
	assert.Equal(t, "default", PickDefaultAccount("missing", []string{"alpha", "default"}))
	assert.Equal(t, "alpha", PickDefaultAccount("", []string{"alpha", "beta"}))
}

func TestInboundMessageDedupKey(t *testing.T) {
	msg := InboundMessage{Channel: "wecom", AccountID: "corp", MessageID: "m1", CorrelationID: "c1"}
	assert.Equal(t, "wecom:corp:m1", msg.DedupKey())

	msg.MessageID = ""
	assert.Equal(t, "wecom:corp:c1", msg.DedupKey())

	msg.CorrelationID = ""
	assert.Equal(t, "", msg.DedupKey())
}
