package audit

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndRead(t *testing.T) {
	trail := New(t.TempDir())
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	require.NoError(t, trail.Append(Record{
		Timestamp: now,
		Tool:      "read_file",
		Args:      json.RawMessage(`{"path":"x"}`),
		ResultLen: 42,
		IsError:   false,
	}))
	require.NoError(t, trail.Append(Record{
		Timestamp: now.Add(time.Minute),
		Tool:      "web_fetch",
		Args:      json.RawMessage(`{"url":"https://example.com"}`),
		IsError:   true,
	}))

	records, err := trail.Read(now)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "read_file", records[0].Tool)
	assert.False(t, records[0].IsError)
	assert.Equal(t, "web_fetch", records[1].Tool)
	assert.True(t, records[1].IsError)
}

func TestReadMissingDay(t *testing.T) {
	trail := New(t.TempDir())

	records, err := trail.Read(time.Now())
	require.NoError(t, err)
	assert.Nil(t, records)
}

func TestConcurrentAppends(t *testing.T) {
	trail := New(t.TempDir())
	now := time.Now().UTC()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, trail.Append(Record{
				Timestamp: now,
				Tool:      "journal_append",
				Args:      json.RawMessage(`{}`),
			}))
		}()
	}
	wg.Wait()

	records, err := trail.Read(now)
	require.NoError(t, err)
	assert.Len(t, records, 20)
}
