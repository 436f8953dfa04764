package loqui

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEngineValidatesConfig(t *testing.T) {
	var valErr *ValidationError

	_, err := NewEngine(EngineConfig{Token: "t", UserID: "u"})
	require.ErrorAs(t, err, &valErr)

	_, err = NewEngine(EngineConfig{BaseURL: "http://x", UserID: "u"})
	require.ErrorAs(t, err, &valErr)

	_, err = NewEngine(EngineConfig{BaseURL: "http://x", Token: "t"})
	require.ErrorAs(t, err, &valErr)
}

func TestNewEngineWiresComponentsByRole(t *testing.T) {
	participant, err := NewEngine(EngineConfig{
		BaseURL: "http://x", Token: "t", UserID: "u", Role: RoleAgent,
	})
	require.NoError(t, err)
	assert.True(t, participant.Capabilities().CanSendMessages)
	assert.Nil(t, participant.Monitor, "participants get no monitoring poller")
	assert.NotNil(t, participant.Pipeline)
	assert.NotNil(t, participant.Store)
	assert.NotNil(t, participant.Typing)
	assert.NotNil(t, participant.Presence)

	supervisor, err := NewEngine(EngineConfig{
		BaseURL: "http://x", Token: "t", UserID: "u", Role: RoleManager,
		OfficeID: "office-1",
	})
	require.NoError(t, err)
	assert.True(t, supervisor.Capabilities().Supervisory())
	require.NotNil(t, supervisor.Monitor)
	assert.Equal(t, "office-1", supervisor.Monitor.cfg.OfficeID)
}

func TestCapabilitiesForRoles(t *testing.T) {
	assert.False(t, CapabilitiesFor(RoleUser).Supervisory())
	assert.False(t, CapabilitiesFor(RoleAgent).Supervisory())
	assert.True(t, CapabilitiesFor(RoleManager).Supervisory())
	assert.True(t, CapabilitiesFor(RoleSuperAdmin).Supervisory())

	caps := CapabilitiesFor(RoleManager)
	assert.False(t, caps.CanSendMessages)
	assert.False(t, caps.CanMutateConversations)
}

func TestEngineCloseBeforeStart(t *testing.T) {
	eng, err := NewEngine(EngineConfig{BaseURL: "http://x", Token: "t", UserID: "u"})
	require.NoError(t, err)
	require.NoError(t, eng.Close())
	require.ErrorIs(t, eng.Start(nil), ErrClosed)
}
