package session

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/censusgate/censusgate/internal/domain"
)

func TestCreate_MintsUUIDv4(t *testing.T) {
	m := NewManager(time.Minute, 10)

	s := m.Create("user-1")
	id, err := uuid.Parse(s.ID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), id.Version())

	s2 := m.Create("user-2")
	assert.NotEqual(t, s.ID, s2.ID)
}

func TestCreate_ReturnsExistingLiveUserSession(t *testing.T) {
	m := NewManager(time.Minute, 10)

	first := m.Create("user-1")
	m.RecordQuery(first.ID, &domain.Analysis{SQL: "SELECT 1"})

	second := m.Create("user-1")
	assert.Equal(t, first.ID, second.ID, "reconnect keeps the session")
	assert.NotNil(t, second.LastAnalysis, "conversation state survives")
	assert.Equal(t, 1, m.Snapshot().Active)

	anon1 := m.Create("")
	anon2 := m.Create("")
	assert.NotEqual(t, anon1.ID, anon2.ID, "anonymous clients never share")
}

func TestCreate_ExpiredUserSessionReplaced(t *testing.T) {
	m := NewManager(20*time.Millisecond, 10)

	first := m.Create("user-1")
	time.Sleep(40 * time.Millisecond)

	second := m.Create("user-1")
	assert.NotEqual(t, first.ID, second.ID)

	_, err := m.Get(first.ID)
	assert.ErrorIs(t, err, domain.ErrSessionInvalid)
	got, err := m.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, 1, m.Snapshot().Active)
}

func TestGet_UnknownIDInvalid(t *testing.T) {
	m := NewManager(time.Minute, 10)

	_, err := m.Get(uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrSessionInvalid)

	_, err = m.Get("")
	assert.ErrorIs(t, err, domain.ErrSessionInvalid)
}

func TestGet_ExpiredSessionRemoved(t *testing.T) {
	m := NewManager(20*time.Millisecond, 10)

	s := m.Create("")
	time.Sleep(40 * time.Millisecond)

	_, err := m.Get(s.ID)
	require.ErrorIs(t, err, domain.ErrSessionExpired)

	// Once expired it is gone; a second lookup is invalid, not expired.
	_, err = m.Get(s.ID)
	assert.ErrorIs(t, err, domain.ErrSessionInvalid)
}

func TestGet_TouchExtendsLifetime(t *testing.T) {
	m := NewManager(60*time.Millisecond, 10)

	s := m.Create("")
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		_, err := m.Get(s.ID)
		require.NoError(t, err, "touch %d", i)
	}
}

func TestGet_LastUsedMonotonic(t *testing.T) {
	m := NewManager(time.Minute, 10)

	s := m.Create("")
	prev := s.LastUsed
	for i := 0; i < 5; i++ {
		got, err := m.Get(s.ID)
		require.NoError(t, err)
		assert.False(t, got.LastUsed.Before(prev))
		prev = got.LastUsed
	}
}

func TestRecordQuery_TracksAnalysis(t *testing.T) {
	m := NewManager(time.Minute, 10)

	s := m.Create("")
	analysis := &domain.Analysis{Intent: domain.IntentGeneralDemographic, SQL: "SELECT 1", Confidence: 0.9}
	m.RecordQuery(s.ID, analysis)
	m.RecordQuery(s.ID, nil)

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.QueryCount)
	assert.Equal(t, analysis, got.LastAnalysis)
}

func TestDelete(t *testing.T) {
	m := NewManager(time.Minute, 10)

	s := m.Create("user-1")
	assert.True(t, m.Delete(s.ID))
	assert.False(t, m.Delete(s.ID))

	_, err := m.Get(s.ID)
	assert.ErrorIs(t, err, domain.ErrSessionInvalid)
}

func TestCapEvictsLRUBatch(t *testing.T) {
	m := NewManager(time.Minute, 20)

	ids := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		s := m.Create("")
		ids = append(ids, s.ID)
		time.Sleep(time.Millisecond) // distinct LastUsed ordering
	}
	require.Equal(t, 20, m.Snapshot().Active)

	// 21st create triggers a 10% (=2) LRU eviction.
	m.Create("")
	snap := m.Snapshot()
	assert.Equal(t, 19, snap.Active)
	assert.EqualValues(t, 2, snap.Evicted)

	_, err := m.Get(ids[0])
	assert.Error(t, err, "oldest session evicted")
	_, err = m.Get(ids[19])
	assert.NoError(t, err, "newest session survives")
}

func TestSweep_RemovesExpiredOnly(t *testing.T) {
	m := NewManager(30*time.Millisecond, 10)

	old := m.Create("")
	_ = old
	time.Sleep(50 * time.Millisecond)
	fresh := m.Create("")

	removed := m.Sweep()
	assert.Equal(t, 1, removed)

	_, err := m.Get(fresh.ID)
	assert.NoError(t, err)
}
