package negotiate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderFSMHappyPath(t *testing.T) {
	f := NewProviderFSM()
	assert.Equal(t, ProviderStepInit, f.Step())

	require.NoError(t, f.Apply(EventControlConnected))
	require.NoError(t, f.Apply(EventCapabilitiesSent))
	require.NoError(t, f.Apply(EventHostDisplayList))
	require.NoError(t, f.Apply(EventDisplaysAdvertised))
	require.NoError(t, f.Apply(EventAddDisplay))
	require.NoError(t, f.Apply(EventChannelsConnected))
	require.NoError(t, f.Apply(EventSetDisplaySent))

	assert.Equal(t, ProviderStepSetDisplaySent, f.Step())
}

func TestProviderFSMRejectsOutOfOrderStep(t *testing.T) {
	f := NewProviderFSM()
	err := f.Apply(EventCapabilitiesSent)
	require.Error(t, err)
}

func TestProviderFSMRemoveDisplayRestartsAtStepSix(t *testing.T) {
	f := NewProviderFSM()
	require.NoError(t, f.Apply(EventControlConnected))
	require.NoError(t, f.Apply(EventCapabilitiesSent))
	require.NoError(t, f.Apply(EventHostDisplayList))
	require.NoError(t, f.Apply(EventDisplaysAdvertised))
	require.NoError(t, f.Apply(EventAddDisplay))
	require.NoError(t, f.Apply(EventChannelsConnected))
	require.NoError(t, f.Apply(EventSetDisplaySent))

	require.NoError(t, f.Apply(EventRemoveDisplay))
	assert.Equal(t, ProviderStepAddReceived, f.Step())
	require.NoError(t, f.Apply(EventChannelsConnected))
	assert.Equal(t, ProviderStepChannelsConnected, f.Step())
}

func TestProviderFSMHostListRestartsAtStepFour(t *testing.T) {
	f := NewProviderFSM()
	require.NoError(t, f.Apply(EventControlConnected))
	require.NoError(t, f.Apply(EventCapabilitiesSent))
	require.NoError(t, f.Apply(EventHostDisplayList))
	require.NoError(t, f.Apply(EventDisplaysAdvertised))
	require.NoError(t, f.Apply(EventAddDisplay))
	require.NoError(t, f.Apply(EventChannelsConnected))

	require.NoError(t, f.Apply(EventHostListRestart))
	assert.Equal(t, ProviderStepHostListReceived, f.Step())
}

func TestConsumerFSMHappyPath(t *testing.T) {
	f := NewConsumerFSM()
	f.Listening()
	assert.Equal(t, ConsumerStepListening, f.Step())

	require.NoError(t, f.Apply(EventControlConnected))
	require.NoError(t, f.Apply(EventCapabilitiesSent))
	require.NoError(t, f.Apply(EventHostDisplayList))
	require.NoError(t, f.Apply(EventDisplaysAdvertised))
	require.NoError(t, f.Apply(EventAddDisplay))
	require.NoError(t, f.Apply(EventChannelsConnected))
	require.NoError(t, f.Apply(EventSetDisplaySent))

	assert.Equal(t, ConsumerStepSetDisplayReceived, f.Step())
}
