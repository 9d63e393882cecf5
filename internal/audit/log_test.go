package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/censusgate/censusgate/internal/domain"
)

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

func readRecords(t *testing.T, path string) []domain.AuditRecord {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []domain.AuditRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec domain.AuditRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestAppend_WritesOneLinePerRecord(t *testing.T) {
	l, path := openTestLog(t)

	require.NoError(t, l.Append(domain.AuditRecord{
		CorrelationID: "corr-1",
		UserID:        "u1",
		SQL:           "SELECT name FROM state_data LIMIT 1000",
		Verdict:       VerdictAccepted,
		Outcome:       OutcomeOK,
		Rows:          5,
	}))
	require.NoError(t, l.Append(domain.AuditRecord{
		CorrelationID: "corr-2",
		SQL:           "DROP TABLE county_data",
		Verdict:       VerdictRejected,
		Rejections:    []string{"STATEMENT_KIND_FORBIDDEN"},
		Outcome:       OutcomeRejected,
	}))

	recs := readRecords(t, path)
	require.Len(t, recs, 2)
	assert.Equal(t, "corr-1", recs[0].CorrelationID)
	assert.Equal(t, VerdictAccepted, recs[0].Verdict)
	assert.Equal(t, VerdictRejected, recs[1].Verdict)
	assert.Equal(t, []string{"STATEMENT_KIND_FORBIDDEN"}, recs[1].Rejections)
}

func TestAppend_DurationSerializesAsMilliseconds(t *testing.T) {
	l, path := openTestLog(t)

	require.NoError(t, l.Append(domain.AuditRecord{
		CorrelationID: "corr-ms",
		SQL:           "SELECT 1",
		Verdict:       VerdictAccepted,
		Outcome:       OutcomeOK,
		DurationMS:    (250 * time.Millisecond).Milliseconds(),
	}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"duration_ms":250`)
}

func TestAppend_StampsMissingTimestamp(t *testing.T) {
	l, path := openTestLog(t)

	before := time.Now().UTC().Add(-time.Second)
	require.NoError(t, l.Append(domain.AuditRecord{CorrelationID: "c", SQL: "SELECT 1", Verdict: VerdictAccepted, Outcome: OutcomeOK}))

	recs := readRecords(t, path)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Timestamp.After(before))
}

func TestAppend_ConcurrentWritersProduceWholeLines(t *testing.T) {
	l, path := openTestLog(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = l.Append(domain.AuditRecord{
				CorrelationID: "corr",
				SQL:           "SELECT name FROM state_data LIMIT 1000",
				Verdict:       VerdictAccepted,
				Outcome:       OutcomeOK,
				Rows:          i,
			})
		}(i)
	}
	wg.Wait()

	recs := readRecords(t, path)
	assert.Len(t, recs, 20)
}

func TestOpen_AppendsToExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	l1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l1.Append(domain.AuditRecord{CorrelationID: "a", SQL: "SELECT 1", Verdict: VerdictAccepted, Outcome: OutcomeOK}))
	require.NoError(t, l1.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l2.Append(domain.AuditRecord{CorrelationID: "b", SQL: "SELECT 2", Verdict: VerdictAccepted, Outcome: OutcomeOK}))
	require.NoError(t, l2.Close())

	recs := readRecords(t, path)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].CorrelationID)
	assert.Equal(t, "b", recs[1].CorrelationID)
}
