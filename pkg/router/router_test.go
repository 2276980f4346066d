package router_test

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/aretw0/parley/internal/logging"
	"github.com/aretw0/parley/pkg/bus"
	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu       sync.Mutex
	messages []string
	errors   []domain.Classification
}

func (s *recordingSink) HandleMessage(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, text)
}

func (s *recordingSink) HandleError(c domain.Classification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, c)
}

func (s *recordingSink) snapshot() ([]string, []domain.Classification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...), append([]domain.Classification(nil), s.errors...)
}

func setup(t *testing.T) (*bus.Bus, *router.Router) {
	t.Helper()
	b := bus.NewInMemory(logging.NewNop())
	t.Cleanup(func() { _ = b.Close() })
	return b, router.New(b)
}

func publish(t *testing.T, b *bus.Bus, channel, payload string) {
	t.Helper()
	require.NoError(t, b.Publish(context.Background(), channel, []byte(payload)))
}

func TestRouter_ForwardsMessagesInOrder(t *testing.T) {
	b, r := setup(t)
	sink := &recordingSink{}

	sub, err := r.Attach("avatar-left", sink)
	require.NoError(t, err)
	defer sub.Close()

	publish(t, b, "avatar-left", `{"message":"hello"}`)
	publish(t, b, "avatar-left", `{"message":""}`)
	publish(t, b, "avatar-left", `{"message":42}`)
	publish(t, b, "avatar-left", `"not an object"`)
	publish(t, b, "avatar-left", `{"message":"world"}`)

	assert.Eventually(t, func() bool {
		msgs, _ := sink.snapshot()
		return len(msgs) == 2
	}, time.Second, 5*time.Millisecond)

	msgs, errs := sink.snapshot()
	assert.Equal(t, []string{"hello", "world"}, msgs)
	assert.Empty(t, errs)
}

func TestRouter_KeepsLongStreamsInOrder(t *testing.T) {
	b, r := setup(t)
	sink := &recordingSink{}

	sub, err := r.Attach("avatar-left", sink)
	require.NoError(t, err)
	defer sub.Close()

	const n = 500
	want := make([]string, n)
	for i := 0; i < n; i++ {
		want[i] = strconv.Itoa(i)
		publish(t, b, "avatar-left", fmt.Sprintf(`{"message":%q}`, want[i]))
	}

	require.Eventually(t, func() bool {
		msgs, _ := sink.snapshot()
		return len(msgs) == n
	}, 2*time.Second, 5*time.Millisecond)

	msgs, _ := sink.snapshot()
	assert.Equal(t, want, msgs)
}

// blockingSink parks HandleMessage until release is closed.
type blockingSink struct {
	recordingSink
	release chan struct{}
}

func (s *blockingSink) HandleMessage(text string) {
	<-s.release
	s.recordingSink.HandleMessage(text)
}

func TestRouter_SlowSinkDoesNotHoldPublishers(t *testing.T) {
	b, r := setup(t)
	sink := &blockingSink{release: make(chan struct{})}

	sub, err := r.Attach("avatar-left", sink)
	require.NoError(t, err)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_ = b.Publish(context.Background(), "avatar-left", []byte(fmt.Sprintf(`{"message":"m%d"}`, i)))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publishers blocked behind a slow sink")
	}
	close(sink.release)

	require.Eventually(t, func() bool {
		msgs, _ := sink.snapshot()
		return len(msgs) == 10
	}, time.Second, 5*time.Millisecond)
	msgs, _ := sink.snapshot()
	assert.Equal(t, "m0", msgs[0])
	assert.Equal(t, "m9", msgs[9])
}

func TestRouter_ClassifiesErrorsFromBothErrorChannels(t *testing.T) {
	b, r := setup(t)
	sink := &recordingSink{}

	sub, err := r.Attach("avatar-left", sink)
	require.NoError(t, err)
	defer sub.Close()

	publish(t, b, domain.GlobalErrorChannel, `{"error":"Unauthorized"}`)
	publish(t, b, "avatar-left:error", `{"detail":"Invalid TTS API Key"}`)

	assert.Eventually(t, func() bool {
		_, errs := sink.snapshot()
		return len(errs) == 2
	}, time.Second, 5*time.Millisecond)

	_, errs := sink.snapshot()
	kinds := []domain.ErrorKind{errs[0].Kind, errs[1].Kind}
	assert.ElementsMatch(t, []domain.ErrorKind{domain.KindAuth, domain.KindTTS}, kinds)
}

func TestRouter_NoCrossTalkBetweenSessions(t *testing.T) {
	b, r := setup(t)
	left, right := &recordingSink{}, &recordingSink{}

	subL, err := r.Attach("avatar-left", left)
	require.NoError(t, err)
	defer subL.Close()
	subR, err := r.Attach("avatar-right", right)
	require.NoError(t, err)
	defer subR.Close()

	publish(t, b, "avatar-right", `{"message":"for right"}`)
	publish(t, b, "avatar-right:error", `{"error":"Duplicate"}`)

	assert.Eventually(t, func() bool {
		msgs, errs := right.snapshot()
		return len(msgs) == 1 && len(errs) == 1
	}, time.Second, 5*time.Millisecond)

	msgs, errs := left.snapshot()
	assert.Empty(t, msgs)
	assert.Empty(t, errs)
}

func TestRouter_CloseUnsubscribesAllChannels(t *testing.T) {
	b, r := setup(t)
	sink := &recordingSink{}

	sub, err := r.Attach("avatar-left", sink)
	require.NoError(t, err)

	sub.Close()
	sub.Wait()

	publish(t, b, "avatar-left", `{"message":"late"}`)
	publish(t, b, domain.GlobalErrorChannel, `{"error":"late"}`)
	publish(t, b, "avatar-left:error", `{"error":"late"}`)

	time.Sleep(50 * time.Millisecond)
	msgs, errs := sink.snapshot()
	assert.Empty(t, msgs)
	assert.Empty(t, errs)
}

func TestRouter_PlainTextErrorReachesClassifierAsString(t *testing.T) {
	b := bus.NewInMemory(logging.NewNop())
	defer b.Close()

	seen := make(chan any, 1)
	r := router.New(b, router.WithClassifier(func(raw any) domain.Classification {
		seen <- raw
		return domain.Classification{Kind: domain.KindUnknown, Message: "x"}
	}))

	sub, err := r.Attach("avatar-left", &recordingSink{})
	require.NoError(t, err)
	defer sub.Close()

	publish(t, b, "avatar-left:error", "socket hang up")

	select {
	case raw := <-seen:
		assert.Equal(t, "socket hang up", raw)
	case <-time.After(time.Second):
		t.Fatal("classifier was not called")
	}
}

// closingSink closes its own subscription from inside the callback.
type closingSink struct {
	recordingSink
	sub *router.Subscription
}

func (s *closingSink) HandleError(c domain.Classification) {
	s.recordingSink.HandleError(c)
	s.sub.Close()
}

func TestRouter_CloseFromCallbackDoesNotDeadlock(t *testing.T) {
	b, r := setup(t)
	sink := &closingSink{}

	sub, err := r.Attach("avatar-left", sink)
	require.NoError(t, err)
	sink.sub = sub

	publish(t, b, domain.GlobalErrorChannel, `{"error":"Unauthorized"}`)

	done := make(chan struct{})
	go func() {
		sub.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscription goroutines did not exit")
	}
	_, errs := sink.snapshot()
	assert.Len(t, errs, 1)
}

func TestRouter_DropsReplayedNotifications(t *testing.T) {
	// A persistent transport hands old notifications to new subscribers.
	pubSub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	b := bus.New(pubSub, pubSub, logging.NewNop())
	t.Cleanup(func() { _ = b.Close() })

	old := message.NewMessage(watermill.NewUUID(), []byte(`{"error":"unauthorized"}`))
	old.Metadata.Set(bus.MetadataPublishedAt, time.Now().Add(-time.Hour).UTC().Format(time.RFC3339Nano))
	require.NoError(t, pubSub.Publish("avatar:error", old))
	publish(t, b, "avatar", `{"message":"fresh"}`)

	sink := &recordingSink{}
	sub, err := router.New(b).Attach("avatar", sink)
	require.NoError(t, err)
	defer sub.Close()

	assert.Eventually(t, func() bool {
		msgs, _ := sink.snapshot()
		return len(msgs) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	_, errs := sink.snapshot()
	assert.Empty(t, errs)
}
