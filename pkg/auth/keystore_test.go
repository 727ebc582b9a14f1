package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyRing_InitialKey(t *testing.T) {
	kr, err := NewKeyRing(15*time.Minute, testSlog())
	require.NoError(t, err)

	current := kr.Current()
	require.NotNil(t, current)
	assert.NotEmpty(t, current.ID)
	assert.NotNil(t, current.Private)
	assert.Nil(t, kr.Previous())
}

func TestKeyRing_RotateKeepsPreviousWithinGrace(t *testing.T) {
	kr, err := NewKeyRing(15*time.Minute, testSlog())
	require.NoError(t, err)

	old := kr.Current()
	rotated, err := kr.Rotate()
	require.NoError(t, err)

	assert.Equal(t, rotated.ID, kr.Current().ID)
	require.NotNil(t, kr.Previous())
	assert.Equal(t, old.ID, kr.Previous().ID)

	// Both keys resolve for verification while the grace period runs.
	_, err = kr.VerificationKey(rotated.ID)
	assert.NoError(t, err)
	_, err = kr.VerificationKey(old.ID)
	assert.NoError(t, err)

	assert.Len(t, kr.PublicKeys(), 2)
}

func TestKeyRing_PreviousDiesAfterGrace(t *testing.T) {
	kr, err := NewKeyRing(15*time.Minute, testSlog())
	require.NoError(t, err)

	old := kr.Current()
	_, err = kr.Rotate()
	require.NoError(t, err)

	kr.now = func() time.Time { return time.Now().Add(16 * time.Minute) }

	assert.Nil(t, kr.Previous())
	_, err = kr.VerificationKey(old.ID)
	assert.Error(t, err)
	assert.Len(t, kr.PublicKeys(), 1)
}

func TestKeyRing_DoubleRotationDropsOldest(t *testing.T) {
	kr, err := NewKeyRing(15*time.Minute, testSlog())
	require.NoError(t, err)

	first := kr.Current()
	_, err = kr.Rotate()
	require.NoError(t, err)
	_, err = kr.Rotate()
	require.NoError(t, err)

	// Two rotations out, the first key is gone regardless of grace.
	_, err = kr.VerificationKey(first.ID)
	assert.Error(t, err)
}

func TestKeyRing_UnknownKid(t *testing.T) {
	kr, err := NewKeyRing(15*time.Minute, testSlog())
	require.NoError(t, err)

	_, err = kr.VerificationKey("no-such-key")
	assert.Error(t, err)
}
