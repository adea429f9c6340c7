package postback

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kostush/purchase-gateway-sub005/internal/domain"
	"github.com/kostush/purchase-gateway-sub005/internal/domain/domaintest"
	"github.com/kostush/purchase-gateway-sub005/internal/repository"
	redisrepo "github.com/kostush/purchase-gateway-sub005/internal/repository/redis"
	pkgkafka "github.com/kostush/purchase-gateway-sub005/pkg/kafka"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type mockQueue struct{ mock.Mock }

func (m *mockQueue) Enqueue(ctx context.Context, destinationURL string, sp SignedPayload) error {
	return m.Called(ctx, destinationURL, sp).Error(0)
}

type captureWriter struct {
	msgs []kafkago.Message
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

func processedProcess(t *testing.T) *domain.PurchaseProcess {
	t.Helper()
	p := domaintest.NewProcess(t)
	require.NoError(t, p.TransitionTo(domain.StateValid))
	require.NoError(t, p.RecordTransaction(p.MainItem().ItemID, domain.Transaction{
		TransactionID: domain.NewTransactionID(),
		Status:        domain.TransactionApproved,
		Biller:        domain.BillerRocketgate,
	}))
	require.NoError(t, p.TransitionTo(domain.StateProcessed))
	require.NoError(t, p.Finalize(domain.NewPurchaseID()))
	return p
}

func TestSigner(t *testing.T) {
	s, err := NewSigner([]string{"key-0", "key-1"})
	require.NoError(t, err)

	p := Payload{SessionID: "abc", State: domain.StateProcessed, Success: true, OccurredAt: time.Unix(0, 0).UTC()}
	a, err := s.Sign(0, p)
	require.NoError(t, err)
	b, err := s.Sign(0, p)
	require.NoError(t, err)
	c, err := s.Sign(1, p)
	require.NoError(t, err)

	assert.Equal(t, a.Digest, b.Digest)
	assert.NotEqual(t, a.Digest, c.Digest)
	assert.Len(t, a.Digest, 64)
	assert.True(t, s.Verify(a))

	tampered := a
	tampered.Payload.Success = false
	assert.False(t, s.Verify(tampered))

	_, err = s.Sign(2, p)
	assert.Error(t, err)

	_, err = NewSigner(nil)
	assert.Error(t, err)
	_, err = NewSigner([]string{"ok", ""})
	assert.Error(t, err)
}

func TestSigner_RedirectDigest(t *testing.T) {
	s, err := NewSigner([]string{"k"})
	require.NoError(t, err)
	sid := domain.NewSessionID()

	d1, err := s.RedirectDigest(0, sid, domain.StateProcessed, true)
	require.NoError(t, err)
	d2, err := s.RedirectDigest(0, sid, domain.StateProcessed, false)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)

	assert.Equal(t, "true", RedirectParams(sid, domain.StateProcessed, true).Get("success"))
}

func TestBuildPayload(t *testing.T) {
	p := processedProcess(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	payload := BuildPayload(p, at)

	assert.Equal(t, p.SessionID().String(), payload.SessionID)
	assert.Equal(t, p.Purchase().PurchaseID.String(), payload.PurchaseID)
	assert.NotEmpty(t, payload.MemberID)
	assert.True(t, payload.Success)
	assert.Equal(t, at, payload.OccurredAt)
	require.Len(t, payload.Items, 1, "unattempted cross-sales are left out")
	assert.Equal(t, domain.ItemApproved, payload.Items[0].Status)
	assert.Len(t, payload.Items[0].TransactionIDs, 1)
}

func newDispatcher(t *testing.T, q Queue) (*Dispatcher, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	signer, err := NewSigner([]string{"k"})
	require.NoError(t, err)
	return NewDispatcher(signer, q, redisrepo.NewSessionStore(client, time.Hour), time.Hour, discard), mr
}

func TestDispatcher_ExactlyOnce(t *testing.T) {
	q := &mockQueue{}
	d, mr := newDispatcher(t, q)
	p := processedProcess(t)

	q.On("Enqueue", mock.Anything, "https://merchant.example/postback", mock.MatchedBy(func(sp SignedPayload) bool {
		return sp.Payload.SessionID == p.SessionID().String() && sp.Digest != ""
	})).Return(nil).Once()

	sent, err := d.Dispatch(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, sent)
	assert.True(t, mr.Exists(repository.PostbackKey(p.SessionID())))

	sent, err = d.Dispatch(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, sent)

	q.AssertExpectations(t)
}

func TestDispatcher_EnqueueFailureReleasesClaim(t *testing.T) {
	q := &mockQueue{}
	d, mr := newDispatcher(t, q)
	p := processedProcess(t)

	q.On("Enqueue", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down")).Once()

	sent, err := d.Dispatch(context.Background(), p)
	require.Error(t, err)
	assert.False(t, sent)
	assert.False(t, mr.Exists(repository.PostbackKey(p.SessionID())))
}

func TestDispatcher_Rejects(t *testing.T) {
	q := &mockQueue{}
	d, _ := newDispatcher(t, q)

	_, err := d.Dispatch(context.Background(), domaintest.NewProcess(t))
	assert.ErrorIs(t, err, domain.ErrIllegalStateTransition)

	q.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything, mock.Anything)
}

func TestKafkaQueue_Enqueue(t *testing.T) {
	w := &captureWriter{}
	q := NewKafkaQueue(pkgkafka.NewProducerWithWriter(w, nil, discard), "purchase-gateway.postback.requested")
	sp := SignedPayload{Payload: Payload{SessionID: "sid-1", State: domain.StateAborted}, Digest: "d", KeyIndex: 0}

	require.NoError(t, q.Enqueue(context.Background(), "https://merchant/pb", sp))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "purchase-gateway.postback.requested", w.msgs[0].Topic)
	assert.Equal(t, "sid-1", string(w.msgs[0].Key))

	event, err := pkgkafka.UnmarshalEvent(w.msgs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, EventPostbackRequested, event.EventType)

	var data RequestedData
	require.NoError(t, json.Unmarshal(event.Data, &data))
	assert.Equal(t, "https://merchant/pb", data.DestinationURL)
	assert.Equal(t, sp, data.Postback)
}
