package wallet

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/b-open-io/overlay/pubsub"
	"github.com/b-open-io/overlay/queue"
)

// mockQueue is an in-memory queue.QueueStorage for tests.
type mockQueue struct {
	mu     sync.RWMutex
	sets   map[string]map[string]struct{}
	hashes map[string]map[string]string
	zsets  map[string]map[string]float64
}

var _ queue.QueueStorage = (*mockQueue)(nil)

func newMockQueue() *mockQueue {
	return &mockQueue{
		sets:   make(map[string]map[string]struct{}),
		hashes: make(map[string]map[string]string),
		zsets:  make(map[string]map[string]float64),
	}
}

func (m *mockQueue) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

func (m *mockQueue) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

func (m *mockQueue) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, member := range members {
		delete(m.sets[key], member)
	}
	return nil
}

func (m *mockQueue) SIsMember(ctx context.Context, key, member string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sets[key][member]
	return ok, nil
}

func (m *mockQueue) HSet(ctx context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash, ok := m.hashes[key]
	if !ok {
		hash = make(map[string]string)
		m.hashes[key] = hash
	}
	hash[field] = value
	return nil
}

func (m *mockQueue) HGet(ctx context.Context, key, field string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hashes[key][field], nil
}

func (m *mockQueue) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make(map[string]string, len(m.hashes[key]))
	for field, value := range m.hashes[key] {
		all[field] = value
	}
	return all, nil
}

func (m *mockQueue) HDel(ctx context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, field := range fields {
		delete(m.hashes[key], field)
	}
	return nil
}

func (m *mockQueue) HMSet(ctx context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash, ok := m.hashes[key]
	if !ok {
		hash = make(map[string]string)
		m.hashes[key] = hash
	}
	for field, value := range fields {
		hash[field] = value
	}
	return nil
}

func (m *mockQueue) HMGet(ctx context.Context, key string, fields ...string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	values := make([]string, len(fields))
	for i, field := range fields {
		values[i] = m.hashes[key][field]
	}
	return values, nil
}

func (m *mockQueue) ZAdd(ctx context.Context, key string, members ...queue.ScoredMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	zset, ok := m.zsets[key]
	if !ok {
		zset = make(map[string]float64)
		m.zsets[key] = zset
	}
	for _, member := range members {
		zset[member.Member] = member.Score
	}
	return nil
}

func (m *mockQueue) ZRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, member := range members {
		delete(m.zsets[key], member)
	}
	return nil
}

func (m *mockQueue) ZRange(ctx context.Context, key string, scoreRange queue.ScoreRange) ([]queue.ScoredMember, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rangeLocked(key, scoreRange, false), nil
}

func (m *mockQueue) ZRevRange(ctx context.Context, key string, scoreRange queue.ScoreRange) ([]queue.ScoredMember, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rangeLocked(key, scoreRange, true), nil
}

func (m *mockQueue) rangeLocked(key string, scoreRange queue.ScoreRange, reverse bool) []queue.ScoredMember {
	var result []queue.ScoredMember
	for member, score := range m.zsets[key] {
		if scoreRange.Min != nil {
			if scoreRange.MinExclusive && score <= *scoreRange.Min {
				continue
			}
			if !scoreRange.MinExclusive && score < *scoreRange.Min {
				continue
			}
		}
		if scoreRange.Max != nil {
			if scoreRange.MaxExclusive && score >= *scoreRange.Max {
				continue
			}
			if !scoreRange.MaxExclusive && score > *scoreRange.Max {
				continue
			}
		}
		result = append(result, queue.ScoredMember{Member: member, Score: score})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Score != result[j].Score {
			if reverse {
				return result[i].Score > result[j].Score
			}
			return result[i].Score < result[j].Score
		}
		if reverse {
			return result[i].Member > result[j].Member
		}
		return result[i].Member < result[j].Member
	})
	if offset := int(scoreRange.Offset); offset > 0 {
		if offset >= len(result) {
			return nil
		}
		result = result[offset:]
	}
	if count := int(scoreRange.Count); count > 0 && count < len(result) {
		result = result[:count]
	}
	return result
}

func (m *mockQueue) ZScore(ctx context.Context, key, member string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	score, ok := m.zsets[key][member]
	if !ok {
		return 0, errors.New("redis: nil")
	}
	return score, nil
}

func (m *mockQueue) ZCard(ctx context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.zsets[key])), nil
}

func (m *mockQueue) ZIncrBy(ctx context.Context, key, member string, increment float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	zset, ok := m.zsets[key]
	if !ok {
		zset = make(map[string]float64)
		m.zsets[key] = zset
	}
	zset[member] += increment
	return zset[member], nil
}

func (m *mockQueue) ZSum(ctx context.Context, key string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum float64
	for _, score := range m.zsets[key] {
		sum += score
	}
	return sum, nil
}

func (m *mockQueue) Close() error {
	return nil
}

type publishedEvent struct {
	Topic string
	Data  string
	Score float64
}

// mockPubSub records published events for tests.
type mockPubSub struct {
	mu        sync.RWMutex
	published []publishedEvent
}

var _ pubsub.PubSub = (*mockPubSub)(nil)

func newMockPubSub() *mockPubSub {
	return &mockPubSub{}
}

func (m *mockPubSub) Publish(ctx context.Context, topic string, data string, score ...float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event := publishedEvent{Topic: topic, Data: data}
	if len(score) > 0 {
		event.Score = score[0]
	}
	m.published = append(m.published, event)
	return nil
}

func (m *mockPubSub) Subscribe(ctx context.Context, topics []string) (<-chan pubsub.Event, error) {
	ch := make(chan pubsub.Event)
	close(ch)
	return ch, nil
}

func (m *mockPubSub) Unsubscribe(topics []string) error {
	return nil
}

func (m *mockPubSub) Stop() error {
	return nil
}

func (m *mockPubSub) Close() error {
	return nil
}

func (m *mockPubSub) topicEvents(topic string) []publishedEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var events []publishedEvent
	for _, event := range m.published {
		if event.Topic == topic {
			events = append(events, event)
		}
	}
	return events
}
