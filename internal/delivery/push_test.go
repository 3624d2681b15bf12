package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kms-connect/backend/internal/model"
)

type fakeTokenStore struct {
	tokens      map[string][]model.DeviceToken
	listErr     error
	deactivated []string
}

func (s *fakeTokenStore) ListActiveByUser(_ context.Context, userID string) ([]model.DeviceToken, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []model.DeviceToken
	for _, t := range s.tokens[userID] {
		if t.IsActive {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeTokenStore) Deactivate(_ context.Context, tokens []string, _ time.Time) error {
	s.deactivated = append(s.deactivated, tokens...)
	return nil
}

type fakeProvider struct {
	results map[string]TokenResult
	err     error
	calls   []PushMessage
}

func (p *fakeProvider) SendMulticast(_ context.Context, msg PushMessage) ([]TokenResult, error) {
	p.calls = append(p.calls, msg)
	if p.err != nil {
		return nil, p.err
	}
	out := make([]TokenResult, len(msg.Tokens))
	for i, tok := range msg.Tokens {
		r, ok := p.results[tok]
		if !ok {
			r = TokenResult{Success: true}
		}
		r.Token = tok
		out[i] = r
	}
	return out, nil
}

func storeWith(userID string, tokens ...string) *fakeTokenStore {
	s := &fakeTokenStore{tokens: map[string][]model.DeviceToken{}}
	for _, tok := range tokens {
		s.tokens[userID] = append(s.tokens[userID], model.DeviceToken{UserID: userID, Token: tok, IsActive: true})
	}
	return s
}

func pushJob(userID string) Job {
	return Job{
		NotificationID: "n1",
		BroadcastID:    "b1",
		UserID:         userID,
		Channel:        model.ChannelPush,
		Message:        Message{Title: "Maintenance", Body: "...", Category: model.CategoryInfo, Priority: model.PriorityHigh},
	}
}

func TestPushHandler_NoDevicesIsSuccessNoop(t *testing.T) {
	provider := &fakeProvider{}
	h := NewPushHandler(provider, storeWith("u1"), zap.NewNop())

	res := h.Deliver(context.Background(), pushJob("u1"))

	assert.True(t, res.Success)
	assert.Empty(t, provider.calls, "无设备时不应调用推送服务")
}

func TestPushHandler_NoDevicesSucceedsEvenWhenDisabled(t *testing.T) {
	h := NewPushHandler(nil, storeWith("u1"), zap.NewNop())
	assert.True(t, h.Deliver(context.Background(), pushJob("u1")).Success)
}

func TestPushHandler_DisabledProviderIsPermanent(t *testing.T) {
	h := NewPushHandler(nil, storeWith("u1", "tok"), zap.NewNop())

	res := h.Deliver(context.Background(), pushJob("u1"))
	assert.False(t, res.Retryable)
	assert.ErrorIs(t, res.Err, ErrPushDisabled)
}

func TestPushHandler_PartialSuccessDeactivatesInvalid(t *testing.T) {
	store := storeWith("u1", "good", "stale")
	provider := &fakeProvider{results: map[string]TokenResult{
		"stale": {Invalid: true, Err: errors.New("registration-token-not-registered")},
	}}
	h := NewPushHandler(provider, store, zap.NewNop())

	res := h.Deliver(context.Background(), pushJob("u1"))

	assert.True(t, res.Success)
	assert.Equal(t, []string{"stale"}, store.deactivated)
	require.Len(t, provider.calls, 1)
	msg := provider.calls[0]
	assert.ElementsMatch(t, []string{"good", "stale"}, msg.Tokens)
	assert.True(t, msg.HighPriority)
	assert.Equal(t, "n1", msg.Data["notification_id"])
	assert.Equal(t, "b1", msg.Data["broadcast_id"])
}

func TestPushHandler_AllInvalidIsPermanent(t *testing.T) {
	store := storeWith("u1", "a", "b")
	provider := &fakeProvider{results: map[string]TokenResult{
		"a": {Invalid: true, Err: errors.New("unregistered")},
		"b": {Invalid: true, Err: errors.New("invalid-argument")},
	}}
	h := NewPushHandler(provider, store, zap.NewNop())

	res := h.Deliver(context.Background(), pushJob("u1"))

	assert.False(t, res.Success)
	assert.False(t, res.Retryable)
	assert.ErrorIs(t, res.Err, ErrNoValidDevice)
	assert.ElementsMatch(t, []string{"a", "b"}, store.deactivated)
}

func TestPushHandler_TransientFailuresAreRetryable(t *testing.T) {
	store := storeWith("u1", "a")
	provider := &fakeProvider{results: map[string]TokenResult{
		"a": {Err: errors.New("unavailable")},
	}}
	h := NewPushHandler(provider, store, zap.NewNop())

	res := h.Deliver(context.Background(), pushJob("u1"))
	assert.True(t, res.Retryable)
	assert.Empty(t, store.deactivated)
}

func TestPushHandler_ProviderCallErrorIsRetryable(t *testing.T) {
	h := NewPushHandler(&fakeProvider{err: errors.New("503")}, storeWith("u1", "a"), zap.NewNop())
	assert.True(t, h.Deliver(context.Background(), pushJob("u1")).Retryable)
}

func TestPushHandler_TokenLookupErrorIsRetryable(t *testing.T) {
	store := &fakeTokenStore{listErr: errors.New("db down")}
	h := NewPushHandler(&fakeProvider{}, store, zap.NewNop())
	assert.True(t, h.Deliver(context.Background(), pushJob("u1")).Retryable)
}

func TestBuildMulticast_PriorityMapping(t *testing.T) {
	high := buildMulticast(PushMessage{Title: "t", Body: "b", HighPriority: true}, []string{"x"})
	assert.Equal(t, "high", high.Android.Priority)
	assert.Equal(t, "10", high.APNS.Headers["apns-priority"])
	assert.Equal(t, "/", high.Webpush.FCMOptions.Link)

	normal := buildMulticast(PushMessage{Title: "t", Body: "b", Link: "/inbox"}, []string{"x"})
	assert.Equal(t, "normal", normal.Android.Priority)
	assert.Equal(t, "/inbox", normal.Webpush.FCMOptions.Link)
}
