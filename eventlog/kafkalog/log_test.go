package kafkalog

import (
	"testing"

	"github.com/motorblog/blogcache/eventlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicConfig(t *testing.T) {
	tc := topicConfig(Config{Topic: "blog-events", ReplicationFactor: 3, CapBytes: 100 * 1024})

	assert.Equal(t, "blog-events", tc.Topic)
	assert.Equal(t, 1, tc.NumPartitions)
	assert.Equal(t, 3, tc.ReplicationFactor)

	entries := map[string]string{}
	for _, e := range tc.ConfigEntries {
		entries[e.ConfigName] = e.ConfigValue
	}
	assert.Equal(t, "102400", entries["retention.bytes"])
	assert.Equal(t, "delete", entries["cleanup.policy"])
}

func TestCheckBounded(t *testing.T) {
	tests := []struct {
		name       string
		partitions int
		retention  string
		wantErr    bool
	}{
		{"bounded", 1, "102400", false},
		{"unlimited", 1, "-1", true},
		{"unset", 1, "", true},
		{"partitioned", 3, "102400", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkBounded("blog-events", tt.partitions, tt.retention)
			if tt.wantErr {
				assert.ErrorIs(t, err, eventlog.ErrMisprovisioned)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOffsetPositionMapping(t *testing.T) {
	assert.Equal(t, uint64(1), positionOf(0))
	// Strictly after position 5 (offset 4) is offset 5
	assert.Equal(t, int64(5), offsetAfter(positionOf(4)))
}

func TestOpen_RequiresBrokers(t *testing.T) {
	_, err := Open(Config{Topic: "blog-events"})
	require.Error(t, err)

	l, err := Open(Config{Brokers: []string{"127.0.0.1:9092"}, Topic: "blog-events"})
	require.NoError(t, err)
	assert.Equal(t, 1, l.config.ReplicationFactor)
}
