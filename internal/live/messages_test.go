package live

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webtraffic/internal/buckets"
)

func TestDecodeHandlesEveryVariant(t *testing.T) {
	ts := time.Date(2026, time.October, 18, 12, 0, 0, 0, time.UTC)
	messages := []Message{
		HitAccepted{Date: "2026-10-18", Today: 10, Week: 50, Minute: 2, Timestamp: ts},
		TrafficSnapshot{
			Date:              "2026-10-18",
			Last7Days:         []buckets.DayCount{{Date: "2026-10-18", DayName: "Sunday", Count: 10}},
			Today:             10,
			Week:              50,
			PercentChange:     25,
			RequestsPerSecond: 0.5,
			Timestamp:         ts,
		},
		Heartbeat{Timestamp: ts},
	}

	for _, msg := range messages {
		t.Run(string(msg.Type()), func(t *testing.T) {
			data, err := Encode(msg)
			require.NoError(t, err)

			decoded, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, msg, decoded)
		})
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"rawData","data":{}}`))
	assert.ErrorContains(t, err, "unknown message type")

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestFingerprintIgnoresTimestamp(t *testing.T) {
	a := HitAccepted{Date: "2026-10-18", Today: 1, Timestamp: time.Now()}
	b := a
	b.Timestamp = a.Timestamp.Add(time.Second)
	c := a
	c.Today = 2

	assert.Equal(t, fingerprint(a), fingerprint(b))
	assert.NotEqual(t, fingerprint(a), fingerprint(c))
}
