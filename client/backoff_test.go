package client_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/warp/shadow-ledger/client"
)

func TestBackoff_DelayDoublesAndCaps(t *testing.T) {
	// GIVEN: Base 2s capped at 10s
	// THEN: 2s, 4s, 8s, 10s, 10s...

	b := client.Backoff{Base: 2 * time.Second, Max: 10 * time.Second, MaxRetries: 8}

	assert.Equal(t, time.Duration(0), b.Delay(0), "first attempt has no delay")
	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 4*time.Second, b.Delay(2))
	assert.Equal(t, 8*time.Second, b.Delay(3))
	assert.Equal(t, 10*time.Second, b.Delay(4))
	assert.Equal(t, 10*time.Second, b.Delay(10))
}

func TestBackoff_Due(t *testing.T) {
	// GIVEN: An entry that failed once, 2s base delay
	// THEN: Due only once the delay has elapsed

	b := client.Backoff{Base: 2 * time.Second, Max: time.Minute, MaxRetries: 8}
	lastAttempt := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

	assert.True(t, b.Due(0, time.Time{}, lastAttempt), "fresh entries are always due")
	assert.False(t, b.Due(1, lastAttempt, lastAttempt.Add(time.Second)))
	assert.True(t, b.Due(1, lastAttempt, lastAttempt.Add(2*time.Second)))
}

func TestBackoff_Exhausted(t *testing.T) {
	b := client.Backoff{Base: time.Second, Max: time.Minute, MaxRetries: 3}

	assert.False(t, b.Exhausted(2))
	assert.True(t, b.Exhausted(3))
	assert.True(t, b.Exhausted(4))
}

func TestSignal_TransitionsOnly(t *testing.T) {
	// GIVEN: A subscribed connectivity signal
	// WHEN: The state is set repeatedly
	// THEN: Callbacks fire only on actual transitions

	sig := client.NewSignal(false)

	var transitions []bool
	cancel := sig.Subscribe(func(online bool) {
		transitions = append(transitions, online)
	})
	defer cancel()

	sig.Set(false) // no-op
	sig.Set(true)
	sig.Set(true) // no-op
	sig.Set(false)

	assert.Equal(t, []bool{true, false}, transitions)
	assert.False(t, sig.Online())
}
