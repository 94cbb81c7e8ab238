package bus

import (
	"context"
	"errors"
	"log"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession records marked offsets the way a real session would:
// MarkMessage commits offset+1, and commits are cumulative, so marking
// any message implicitly commits everything before it.
type fakeSession struct {
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32 { return nil }
func (s *fakeSession) MemberID() string           { return "member-1" }
func (s *fakeSession) GenerationID() int32        { return 1 }
func (s *fakeSession) Commit()                    {}
func (s *fakeSession) Context() context.Context   { return context.Background() }

func (s *fakeSession) MarkOffset(_ string, _ int32, offset int64, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, offset)
	s.mu.Unlock()
}

func (s *fakeSession) ResetOffset(string, int32, int64, string) {}

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) {
	s.MarkOffset(msg.Topic, msg.Partition, msg.Offset+1, metadata)
}

func (s *fakeSession) markedOffsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.marked...)
}

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func newFakeClaim(offsets ...int64) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(offsets))
	for _, o := range offsets {
		ch <- &sarama.ConsumerMessage{Topic: "raw_logs", Partition: 0, Offset: o}
	}
	close(ch)
	return &fakeClaim{messages: ch}
}

func (c *fakeClaim) Topic() string                            { return "raw_logs" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func TestConsumeClaimMarksSuccessfulMessages(t *testing.T) {
	session := &fakeSession{}
	h := &groupHandler{
		handler: func(context.Context, *sarama.ConsumerMessage) error { return nil },
		logger:  log.New(log.Writer(), "[BUS] ", log.LstdFlags),
	}

	require.NoError(t, h.ConsumeClaim(session, newFakeClaim(10, 11)))
	assert.Equal(t, []int64{11, 12}, session.markedOffsets())
}

func TestConsumeClaimStopsAtFailedMessage(t *testing.T) {
	session := &fakeSession{}
	failure := errors.New("cluster red")
	h := &groupHandler{
		handler: func(_ context.Context, msg *sarama.ConsumerMessage) error {
			if msg.Offset == 10 {
				return failure
			}
			return nil
		},
		logger: log.New(log.Writer(), "[BUS] ", log.LstdFlags),
	}

	err := h.ConsumeClaim(session, newFakeClaim(10, 11))
	require.ErrorIs(t, err, failure)

	// No offset at or past the failed message may be committed, or the
	// failure would never be redelivered.
	for _, offset := range session.markedOffsets() {
		assert.Less(t, offset, int64(11), "offset committed past the failed message")
	}
}

func TestConsumeClaimRedeliveryAfterFailure(t *testing.T) {
	session := &fakeSession{}
	attempts := 0
	h := &groupHandler{
		handler: func(context.Context, *sarama.ConsumerMessage) error {
			attempts++
			if attempts == 1 {
				return errors.New("transient")
			}
			return nil
		},
		logger: log.New(log.Writer(), "[BUS] ", log.LstdFlags),
	}

	require.Error(t, h.ConsumeClaim(session, newFakeClaim(10)))
	assert.Empty(t, session.markedOffsets())

	// The rejoined session re-reads from the last committed offset.
	require.NoError(t, h.ConsumeClaim(session, newFakeClaim(10)))
	assert.Equal(t, []int64{11}, session.markedOffsets())
}
