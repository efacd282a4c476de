package fanout

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Subscriber holds one pub/sub connection and the set of user topics this
// process listens to. Joins are reference counted per user.
type Subscriber struct {
	client *redis.Client

	mu     sync.Mutex
	pubsub *redis.PubSub
	refs   map[uuid.UUID]int
	ready  chan struct{}
	once   sync.Once
}

func NewSubscriber(client *redis.Client) *Subscriber {
	return &Subscriber{
		client: client,
		refs:   make(map[uuid.UUID]int),
		ready:  make(chan struct{}),
	}
}

// JoinUserTopic subscribes to the user's topic on the first local join.
func (s *Subscriber) JoinUserTopic(ctx context.Context, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refs[userID]++
	if s.refs[userID] > 1 {
		return nil
	}

	if s.pubsub == nil {
		s.pubsub = s.client.Subscribe(ctx)
		s.once.Do(func() { close(s.ready) })
	}
	if err := s.pubsub.Subscribe(ctx, Topic(userID)); err != nil {
		s.refs[userID]--
		if s.refs[userID] == 0 {
			delete(s.refs, userID)
		}
		return err
	}
	return nil
}

// LeaveUserTopic unsubscribes once the last local join is released.
func (s *Subscriber) LeaveUserTopic(ctx context.Context, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.refs[userID]
	if !ok {
		return nil
	}
	if n > 1 {
		s.refs[userID] = n - 1
		return nil
	}
	delete(s.refs, userID)
	return s.pubsub.Unsubscribe(ctx, Topic(userID))
}

// Run forwards every message received on a joined topic to deliver until ctx
// is cancelled.
func (s *Subscriber) Run(ctx context.Context, deliver func(userID uuid.UUID, payload []byte)) error {
	select {
	case <-ctx.Done():
		return nil
	case <-s.ready:
	}

	s.mu.Lock()
	pubsub := s.pubsub
	s.mu.Unlock()
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			userID, err := userFromTopic(msg.Channel)
			if err != nil {
				log.Warn().Str("topic", msg.Channel).Msg("Message on unexpected topic")
				continue
			}
			deliver(userID, []byte(msg.Payload))
		}
	}
}
