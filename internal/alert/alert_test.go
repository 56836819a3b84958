package alert

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// Reference Tests
// =============================================================================

// TestReference verifies the id is kept and a missing id is derived stably.
func TestReference(t *testing.T) {
	assert.Equal(t, "alert-1", Alert{ID: "alert-1", SrcIP: "203.0.113.10"}.Reference())

	a := Alert{Title: "Port scan", SrcIP: "203.0.113.10"}
	ref := a.Reference()
	assert.Regexp(t, `^alert-[0-9a-f]{16}$`, ref)
	assert.Equal(t, ref, Alert{Title: "Port scan", SrcIP: "203.0.113.10"}.Reference())
	assert.NotEqual(t, ref, Alert{Title: "Port scan", SrcIP: "203.0.113.11"}.Reference())
}

// TestEntityRefs verifies the preferred identifiers.
func TestEntityRefs(t *testing.T) {
	k, v := Alert{Username: " jdoe ", UserID: "u-1"}.UserRef()
	assert.Equal(t, "username", k)
	assert.Equal(t, "jdoe", v)
	k, v = Alert{UserID: "u-1"}.UserRef()
	assert.Equal(t, "user_id", k)
	assert.Equal(t, "u-1", v)

	k, v = Alert{Hostname: "web-01", HostID: "i-1"}.HostRef()
	assert.Equal(t, "host_id", k)
	assert.Equal(t, "i-1", v)
	_, v = Alert{}.HostRef()
	assert.Empty(t, v)

	var nilAlert *EnrichedAlert
	assert.Zero(t, nilAlert.Criticality())
	assert.False(t, nilAlert.Privileged())
}
