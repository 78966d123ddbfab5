package messaging

import (
	"time"

	"github.com/segmentio/kafka-go"
)

// Topic constants for the miner messaging system
const (
	TopicConstructs = "constructs.mined" // minerd → transmission collaborator
	TopicStatus     = "miner.status"     // minerd → minectl watch, dashboards
)

// topicProfile holds the producer and consumer settings of one topic.
type topicProfile struct {
	// Constructs are rare and must not be lost; statuses are a high-rate
	// feed where the newest message matters most.
	acks         kafka.RequiredAcks
	async        bool
	batchSize    int
	batchTimeout time.Duration
	compression  kafka.Compression
	startOffset  int64
}

var topicProfiles = map[string]topicProfile{
	TopicConstructs: {
		acks:         kafka.RequireAll,
		batchSize:    1,
		batchTimeout: time.Millisecond,
		startOffset:  kafka.FirstOffset,
	},
	TopicStatus: {
		acks:         kafka.RequireOne,
		async:        true,
		batchSize:    200,
		batchTimeout: 50 * time.Millisecond,
		compression:  kafka.Snappy,
		startOffset:  kafka.LastOffset,
	},
}

// defaultProfile applies to topics without an entry in topicProfiles.
var defaultProfile = topicProfile{
	acks:         kafka.RequireOne,
	batchSize:    100,
	batchTimeout: 10 * time.Millisecond,
	compression:  kafka.Snappy,
	startOffset:  kafka.LastOffset,
}

func profileFor(topic string) topicProfile {
	if p, ok := topicProfiles[topic]; ok {
		return p
	}
	return defaultProfile
}
