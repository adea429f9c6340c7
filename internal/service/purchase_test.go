package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kostush/purchase-gateway-sub005/internal/domain"
	"github.com/kostush/purchase-gateway-sub005/internal/guard"
	"github.com/kostush/purchase-gateway-sub005/internal/postback"
	"github.com/kostush/purchase-gateway-sub005/internal/provider"
	providermock "github.com/kostush/purchase-gateway-sub005/internal/provider/mock"
	"github.com/kostush/purchase-gateway-sub005/internal/repository"
	redisrepo "github.com/kostush/purchase-gateway-sub005/internal/repository/redis"
	apperrors "github.com/kostush/purchase-gateway-sub005/pkg/errors"
)

// --- Mock Transaction Service ---

type mockTransactions struct {
	mock.Mock
}

func (m *mockTransactions) Submit(ctx context.Context, req *provider.SubmitRequest) (*provider.Outcome, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.Outcome), args.Error(1)
}

func (m *mockTransactions) Lookup3DS(ctx context.Context, req *provider.LookupRequest) (*provider.LookupResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.LookupResult), args.Error(1)
}

func (m *mockTransactions) Complete3DS(ctx context.Context, req *provider.CompleteRequest) (*provider.Outcome, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.Outcome), args.Error(1)
}

func (m *mockTransactions) SimplifiedComplete3DS(ctx context.Context, req *provider.SimplifiedCompleteRequest) (*provider.Outcome, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.Outcome), args.Error(1)
}

// --- Mock Ledger ---

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) Record(ctx context.Context, e *repository.ReconciliationEntry) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}

func (m *mockLedger) ListOpen(ctx context.Context, limit int) ([]repository.ReconciliationEntry, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]repository.ReconciliationEntry), args.Error(1)
}

func (m *mockLedger) Resolve(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// --- Fakes ---

type recordingQueue struct {
	mu       sync.Mutex
	sent     []postback.SignedPayload
	attempts int
	// failures is the number of upcoming Enqueue calls that fail.
	failures int
}

func (q *recordingQueue) Enqueue(_ context.Context, _ string, sp postback.SignedPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.attempts++
	if q.failures > 0 {
		q.failures--
		return errors.New("kafka: leader not available")
	}
	q.sent = append(q.sent, sp)
	return nil
}

func (q *recordingQueue) failNext(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failures = n
}

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.sent)
}

func (q *recordingQueue) tries() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.attempts
}

type recordingEvents struct {
	mu                             sync.Mutex
	initialized, processed, failed int
}

func (e *recordingEvents) PublishPurchaseInitialized(context.Context, *domain.PurchaseProcess) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.initialized++
	return nil
}

func (e *recordingEvents) PublishPurchaseProcessed(context.Context, *domain.PurchaseProcess) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.processed++
	return nil
}

func (e *recordingEvents) PublishPurchaseFailed(context.Context, *domain.PurchaseProcess) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed++
	return nil
}

// flakyStore fails Save for the aggregates failSave selects, and every
// marker write while failMarker is set.
type flakyStore struct {
	repository.SessionStore
	failSave   func(p *domain.PurchaseProcess) bool
	failMarker bool
}

func (s *flakyStore) PutMarker(ctx context.Context, sid domain.SessionID, m repository.SubmissionMarker) error {
	if s.failMarker {
		return errors.New("redis: i/o timeout")
	}
	return s.SessionStore.PutMarker(ctx, sid, m)
}

func (s *flakyStore) Save(ctx context.Context, p *domain.PurchaseProcess) error {
	if s.failSave != nil && s.failSave(p) {
		return errors.New("redis: connection reset by peer")
	}
	return s.SessionStore.Save(ctx, p)
}

// cascadeConfig serves a fixed cascade on top of the mock config service.
type cascadeConfig struct {
	*providermock.ConfigService
	billers []domain.Biller
}

func (c cascadeConfig) Cascade(context.Context, string, domain.PaymentType) (domain.BillerCollection, int, error) {
	bc, err := domain.NewBillerCollection(c.billers...)
	return bc, 0, err
}

type failingFraud struct{}

func (failingFraud) RetrieveAdvice(context.Context, *provider.FraudRequest) (domain.FraudAdvice, error) {
	return domain.FraudAdvice{}, errors.New("fraud service timeout")
}

// --- Test Helpers ---

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	mr     *miniredis.Miniredis
	store  *flakyStore
	tx     *mockTransactions
	fraud  provider.FraudService
	config cascadeConfig
	ledger *mockLedger
	queue  *recordingQueue
	events *recordingEvents
	signer *postback.Signer
	svc    *PurchaseService
}

func newFixture(t *testing.T, billers ...domain.Biller) *fixture {
	t.Helper()
	if len(billers) == 0 {
		billers = []domain.Biller{domain.BillerRocketgate}
	}
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	signer, err := postback.NewSigner([]string{"test-signing-key"})
	require.NoError(t, err)

	f := &fixture{
		mr:     mr,
		store:  &flakyStore{SessionStore: redisrepo.NewSessionStore(client, time.Hour)},
		tx:     &mockTransactions{},
		fraud:  providermock.FraudService{},
		config: cascadeConfig{ConfigService: &providermock.ConfigService{NSFSites: map[string]bool{}}, billers: billers},
		ledger: &mockLedger{},
		queue:  &recordingQueue{},
		events: &recordingEvents{},
		signer: signer,
	}
	f.build()
	return f
}

func (f *fixture) build() {
	logger := newTestLogger()
	dispatcher := postback.NewDispatcher(f.signer, f.queue, f.store, time.Hour, logger)
	g := guard.New(f.store, guard.Config{Attempts: 400, Interval: 5 * time.Millisecond, TTL: 10 * time.Second}, logger)
	f.svc = NewPurchaseService(f.store, f.ledger, f.tx, f.fraud, f.config, dispatcher, f.events, g, f.signer,
		Options{BaseURL: "https://gateway.example/", NSFPolicy: NSFSitesPolicy(nil)}, logger)
}

func (f *fixture) init(t *testing.T, crossSales int, email string) *PurchaseResult {
	t.Helper()
	in := &InitInput{
		SiteID:      "site-1",
		PaymentType: "cc",
		RedirectURL: "https://merchant.example/return",
		PostbackURL: "https://merchant.example/postback",
		MainItem:    ItemInput{InitialAmount: 2999, InitialDays: 30, Currency: "USD"},
		ClientIP:    "10.0.0.1",
		Email:       email,
	}
	for i := 0; i < crossSales; i++ {
		in.CrossSales = append(in.CrossSales, ItemInput{SiteID: "site-2", InitialAmount: 999, InitialDays: 30, Currency: "USD"})
	}
	res, err := f.svc.Init(context.Background(), in)
	require.NoError(t, err)
	return res
}

func (f *fixture) load(t *testing.T, sid string) *domain.PurchaseProcess {
	t.Helper()
	id, err := domain.ParseSessionID(sid)
	require.NoError(t, err)
	p, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return p
}

func processInput(sid, card string) *ProcessInput {
	return &ProcessInput{
		SessionID: sid,
		User:      UserInput{FirstName: "Ann", LastName: "Lee", Country: "US"},
		Payment: PaymentInput{
			Method:          domain.MethodNewCard,
			CardNumber:      card,
			CVV:             "123",
			ExpirationMonth: 12,
			ExpirationYear:  2030,
		},
	}
}

const testCard = "4111111111111111"

func onBiller(b domain.Biller) any {
	return mock.MatchedBy(func(r *provider.SubmitRequest) bool { return r.Biller == b && !r.IsCrossSale })
}

func crossSaleRequest() any {
	return mock.MatchedBy(func(r *provider.SubmitRequest) bool { return r.IsCrossSale })
}

func approvedOutcome() *provider.Outcome {
	return &provider.Outcome{Status: domain.TransactionApproved, TransactionID: domain.NewTransactionID()}
}

func declinedOutcome(nsf bool) *provider.Outcome {
	return &provider.Outcome{Status: domain.TransactionDeclined, TransactionID: domain.NewTransactionID(), IsNSF: nsf, Reason: "declined"}
}

func challengeOutcome(authURL string) *provider.Outcome {
	id := domain.NewTransactionID()
	return &provider.Outcome{
		Status:        domain.TransactionPending,
		TransactionID: id,
		ThreeDS:       &provider.StepUpChallenge{TransactionID: id, AuthURL: authURL, PaReq: "pareq-1", MD: "md-1", Version: 2},
	}
}

// toAuthenticatePending drives a fresh session into the bank challenge.
func (f *fixture) toAuthenticatePending(t *testing.T) (string, *provider.Outcome) {
	t.Helper()
	ch := challengeOutcome("https://acs.example/auth")
	f.tx.On("Submit", mock.Anything, onBiller(domain.BillerRocketgate)).Return(ch, nil).Once()

	sid := f.init(t, 0, "buyer@example.com").SessionID
	res, err := f.svc.Process(context.Background(), processInput(sid, testCard))
	require.NoError(t, err)
	require.Equal(t, domain.StateThreeDAuthenticatePending, res.State)
	return sid, ch
}

// --- Scenarios ---

func TestScenarioA_SingleBillerDeclineExhaustsCascade(t *testing.T) {
	f := newFixture(t, domain.BillerRocketgate)
	f.tx.On("Submit", mock.Anything, onBiller(domain.BillerRocketgate)).Return(declinedOutcome(false), nil).Once()

	sid := f.init(t, 0, "buyer@example.com").SessionID
	res, err := f.svc.Process(context.Background(), processInput(sid, testCard))
	require.NoError(t, err)

	assert.Equal(t, domain.StateCascadeBillersExhausted, res.State)
	assert.False(t, res.Success)
	assert.Equal(t, ActionFinishProcess, res.NextAction.Type)

	p := f.load(t, sid)
	txs := p.MainItem().Transactions().All()
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TransactionDeclined, txs[0].Status)
	assert.Equal(t, 1, f.queue.count())
	assert.Equal(t, 1, f.events.failed)
	f.tx.AssertNumberOfCalls(t, "Submit", 1)
}

func TestScenarioB_CascadeFallsBackToNextBiller(t *testing.T) {
	f := newFixture(t, domain.BillerRocketgate, domain.BillerNetbilling)
	f.tx.On("Submit", mock.Anything, onBiller(domain.BillerRocketgate)).Return(declinedOutcome(false), nil).Once()
	f.tx.On("Submit", mock.Anything, onBiller(domain.BillerNetbilling)).Return(approvedOutcome(), nil).Once()

	sid := f.init(t, 0, "buyer@example.com").SessionID
	res, err := f.svc.Process(context.Background(), processInput(sid, testCard))
	require.NoError(t, err)

	assert.Equal(t, domain.StateProcessed, res.State)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.PurchaseID)
	assert.NotEmpty(t, res.MemberID)

	p := f.load(t, sid)
	txs := p.MainItem().Transactions().All()
	require.Len(t, txs, 2)
	assert.Equal(t, domain.TransactionDeclined, txs[0].Status)
	assert.Equal(t, domain.BillerRocketgate, txs[0].Biller)
	assert.Equal(t, domain.TransactionApproved, txs[1].Status)
	assert.Equal(t, domain.BillerNetbilling, txs[1].Biller)
	assert.Equal(t, 2, p.GatewaySubmitNumber())

	assert.Equal(t, 1, f.queue.count(), "exactly one postback")
	assert.Equal(t, 1, f.events.processed)
	assert.False(t, f.mr.Exists(repository.MarkerKey(p.SessionID())), "marker cleared once processed")

	var keys []string
	for _, c := range f.tx.Calls {
		keys = append(keys, c.Arguments.Get(1).(*provider.SubmitRequest).IdempotencyKey)
	}
	assert.Equal(t, []string{sid + ":1", sid + ":2"}, keys)
}

func TestScenarioC_ThreeDSLookupAuthenticateComplete(t *testing.T) {
	f := newFixture(t, domain.BillerRocketgate)
	ch := challengeOutcome("")
	f.tx.On("Submit", mock.Anything, onBiller(domain.BillerRocketgate)).Return(ch, nil).Once()
	f.tx.On("Lookup3DS", mock.Anything, mock.MatchedBy(func(r *provider.LookupRequest) bool {
		return r.DeviceFingerprintID == "fp-1" && r.TransactionID == ch.TransactionID
	})).Return(&provider.LookupResult{Challenge: &provider.StepUpChallenge{
		TransactionID: ch.TransactionID, AuthURL: "https://acs.example/auth", PaReq: "pareq-2", MD: "md-2", Version: 2,
	}}, nil).Once()
	f.tx.On("Complete3DS", mock.Anything, mock.MatchedBy(func(r *provider.CompleteRequest) bool {
		return r.PaRes == "pares" && r.MD == "md-2" && r.TransactionID == ch.TransactionID
	})).Return(&provider.Outcome{Status: domain.TransactionApproved, TransactionID: ch.TransactionID}, nil).Once()

	ctx := context.Background()
	sid := f.init(t, 0, "buyer@example.com").SessionID

	res, err := f.svc.Process(ctx, processInput(sid, testCard))
	require.NoError(t, err)
	assert.Equal(t, domain.StateThreeDLookupPending, res.State)
	assert.Equal(t, ActionDeviceDetection, res.NextAction.Type)
	assert.Equal(t, "https://gateway.example/api/v1/purchases/"+sid+"/threed/lookup", res.NextAction.TermURL)

	res, err = f.svc.Lookup(ctx, &LookupInput{SessionID: sid, DeviceFingerprintID: "fp-1", CardNumber: testCard})
	require.NoError(t, err)
	assert.Equal(t, domain.StateThreeDAuthenticatePending, res.State)
	assert.Equal(t, ActionAuthenticate3D, res.NextAction.Type)
	assert.Equal(t, "https://acs.example/auth", res.NextAction.AuthURL)

	res, err = f.svc.Authenticate(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, "md-2", res.NextAction.MD)
	assert.Equal(t, "https://gateway.example/api/v1/purchases/"+sid+"/threed/complete", res.NextAction.TermURL)

	res, err = f.svc.Complete(ctx, &CompleteInput{SessionID: sid, PaRes: "pares", MD: "md-2"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateProcessed, res.State)
	assert.True(t, res.Success)

	p := f.load(t, sid)
	assert.Equal(t, 1, p.GatewaySubmitNumber(), "lookup and complete do not count as submissions")
	assert.True(t, p.ThreeDS().Completed)
	assert.Equal(t, 1, f.queue.count())
	f.tx.AssertExpectations(t)
}

func TestScenarioD_CompleteWithoutParameters(t *testing.T) {
	f := newFixture(t)
	sid, _ := f.toAuthenticatePending(t)
	ctx := context.Background()

	_, err := f.svc.Complete(ctx, &CompleteInput{SessionID: sid})
	assert.ErrorIs(t, err, domain.ErrMissingMandatoryCompleteParameters)

	_, err = f.svc.Complete(ctx, &CompleteInput{SessionID: sid, PaRes: "pares"})
	assert.ErrorIs(t, err, domain.ErrMissingMandatoryCompleteParameters)

	_, err = f.svc.SimplifiedComplete(ctx, &SimplifiedCompleteInput{SessionID: sid, Query: "?"})
	assert.ErrorIs(t, err, domain.ErrMissingMandatoryCompleteParameters)

	_, err = f.svc.Complete(ctx, &CompleteInput{SessionID: domain.NewSessionID().String()})
	assert.ErrorIs(t, err, domain.ErrMissingMandatoryCompleteParameters, "parameters are checked before the session is loaded")

	assert.Equal(t, domain.StateThreeDAuthenticatePending, f.load(t, sid).State())
	f.tx.AssertNotCalled(t, "Complete3DS", mock.Anything, mock.Anything)
	f.tx.AssertNotCalled(t, "SimplifiedComplete3DS", mock.Anything, mock.Anything)
}

func TestScenarioE_BlacklistAtProcessBlocksWithoutSubmission(t *testing.T) {
	f := newFixture(t)
	sid := f.init(t, 0, "buyer@example.com").SessionID

	in := processInput(sid, testCard)
	in.User.Email = "mallory" + providermock.BlacklistDomain
	res, err := f.svc.Process(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, domain.StateBlockedDueToFraudAdvice, res.State)
	assert.True(t, res.FraudAdvice.Blacklist)
	assert.Equal(t, domain.StateBlockedDueToFraudAdvice, f.load(t, sid).State())
	f.tx.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
	assert.Equal(t, 1, f.queue.count())
}

// --- Properties ---

func TestTerminalSessionRejectsEveryCommand(t *testing.T) {
	f := newFixture(t)
	f.tx.On("Submit", mock.Anything, onBiller(domain.BillerRocketgate)).Return(approvedOutcome(), nil).Once()

	ctx := context.Background()
	sid := f.init(t, 0, "buyer@example.com").SessionID
	_, err := f.svc.Process(ctx, processInput(sid, testCard))
	require.NoError(t, err)

	_, err = f.svc.Process(ctx, processInput(sid, testCard))
	assert.ErrorIs(t, err, domain.ErrSessionAlreadyProcessed)
	_, err = f.svc.Lookup(ctx, &LookupInput{SessionID: sid, DeviceFingerprintID: "fp"})
	assert.ErrorIs(t, err, domain.ErrSessionAlreadyProcessed)
	_, err = f.svc.Complete(ctx, &CompleteInput{SessionID: sid, PaRes: "pares", MD: "md"})
	assert.ErrorIs(t, err, domain.ErrSessionAlreadyProcessed)
	_, err = f.svc.SimplifiedComplete(ctx, &SimplifiedCompleteInput{SessionID: sid, Query: "a=b"})
	assert.ErrorIs(t, err, domain.ErrSessionAlreadyProcessed)
	_, err = f.svc.Authenticate(ctx, sid)
	assert.ErrorIs(t, err, domain.ErrSessionAlreadyProcessed)

	f.tx.AssertNumberOfCalls(t, "Submit", 1)
	assert.Equal(t, 1, f.queue.count())
}

func TestCascade_EachBillerTriedOnceInOrder(t *testing.T) {
	billers := []domain.Biller{domain.BillerRocketgate, domain.BillerNetbilling, domain.BillerEpoch}
	f := newFixture(t, billers...)
	for _, b := range billers {
		f.tx.On("Submit", mock.Anything, onBiller(b)).Return(declinedOutcome(false), nil).Once()
	}

	sid := f.init(t, 0, "buyer@example.com").SessionID
	res, err := f.svc.Process(context.Background(), processInput(sid, testCard))
	require.NoError(t, err)
	assert.Equal(t, domain.StateCascadeBillersExhausted, res.State)

	var called []domain.Biller
	for _, c := range f.tx.Calls {
		called = append(called, c.Arguments.Get(1).(*provider.SubmitRequest).Biller)
	}
	assert.Equal(t, billers, called)

	p := f.load(t, sid)
	assert.Equal(t, len(billers), p.Cascade().Cursor())
	assert.Equal(t, billers, p.Cascade().Attempted())
	assert.Equal(t, len(billers), p.GatewaySubmitNumber())
}

func TestComplete_ConcurrentCallsChargeOnce(t *testing.T) {
	f := newFixture(t)
	sid, ch := f.toAuthenticatePending(t)
	f.tx.On("Complete3DS", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { time.Sleep(20 * time.Millisecond) }).
		Return(&provider.Outcome{Status: domain.TransactionApproved, TransactionID: ch.TransactionID}, nil)

	const n = 8
	var (
		wg   sync.WaitGroup
		errs = make([]error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Complete(context.Background(), &CompleteInput{SessionID: sid, PaRes: "pares", MD: "md-1"})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrSessionAlreadyProcessed)
	}
	assert.Equal(t, 1, succeeded)
	f.tx.AssertNumberOfCalls(t, "Complete3DS", 1)
	assert.Equal(t, 1, f.queue.count())
	assert.Equal(t, domain.StateProcessed, f.load(t, sid).State())
	assert.False(t, f.mr.Exists(repository.LockKey(f.load(t, sid).SessionID())), "lock released")
}

func TestProcess_ConcurrentCallsChargeOnce(t *testing.T) {
	f := newFixture(t)
	f.tx.On("Submit", mock.Anything, onBiller(domain.BillerRocketgate)).
		Run(func(mock.Arguments) { time.Sleep(20 * time.Millisecond) }).
		Return(approvedOutcome(), nil)

	sid := f.init(t, 0, "buyer@example.com").SessionID

	const n = 8
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.svc.Process(context.Background(), processInput(sid, testCard))
		}(i)
	}
	close(start)
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t,
			errors.Is(err, domain.ErrVersionConflict) ||
				errors.Is(err, domain.ErrIllegalStateTransition) ||
				errors.Is(err, domain.ErrSessionAlreadyProcessed),
			"unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)
	f.tx.AssertNumberOfCalls(t, "Submit", 1)
	assert.Equal(t, 1, f.queue.count())

	p := f.load(t, sid)
	assert.Equal(t, domain.StateProcessed, p.State())
	assert.Equal(t, 1, p.GatewaySubmitNumber())
	assert.Len(t, p.MainItem().Transactions().All(), 1)
}

func TestComplete_LockTimeout(t *testing.T) {
	f := newFixture(t)
	sid, _ := f.toAuthenticatePending(t)
	id, err := domain.ParseSessionID(sid)
	require.NoError(t, err)
	require.NoError(t, f.mr.Set(repository.LockKey(id), "held"))

	logger := newTestLogger()
	g := guard.New(f.store, guard.Config{Attempts: 3, Interval: time.Millisecond, TTL: time.Second}, logger)
	f.svc.guard = g

	_, err = f.svc.Complete(context.Background(), &CompleteInput{SessionID: sid, PaRes: "pares", MD: "md-1"})
	assert.ErrorIs(t, err, domain.ErrLockTimeout)
	f.tx.AssertNotCalled(t, "Complete3DS", mock.Anything, mock.Anything)
}

func TestComplete_MarkerAheadRequiresReconciliation(t *testing.T) {
	f := newFixture(t)
	sid, _ := f.toAuthenticatePending(t)
	p := f.load(t, sid)
	require.NoError(t, f.store.PutMarker(context.Background(), p.SessionID(), repository.SubmissionMarker{
		State:        domain.StateThreeDAuthenticatePending,
		SubmitNumber: p.GatewaySubmitNumber() + 1,
		WrittenAt:    time.Now(),
	}))

	_, err := f.svc.Complete(context.Background(), &CompleteInput{SessionID: sid, PaRes: "pares", MD: "md-1"})
	assert.ErrorIs(t, err, domain.ErrReconciliationRequired)
	f.tx.AssertNotCalled(t, "Complete3DS", mock.Anything, mock.Anything)
	assert.Equal(t, domain.StateThreeDAuthenticatePending, f.load(t, sid).State())
}

func TestComplete_MDMismatch(t *testing.T) {
	f := newFixture(t)
	sid, _ := f.toAuthenticatePending(t)

	_, err := f.svc.Complete(context.Background(), &CompleteInput{SessionID: sid, PaRes: "pares", MD: "forged"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	f.tx.AssertNotCalled(t, "Complete3DS", mock.Anything, mock.Anything)
}

func TestComplete_DeclineCascadesWithReusedCard(t *testing.T) {
	f := newFixture(t, domain.BillerRocketgate, domain.BillerNetbilling)
	sid, ch := f.toAuthenticatePending(t)
	f.tx.On("Complete3DS", mock.Anything, mock.Anything).Return(&provider.Outcome{
		Status: domain.TransactionDeclined, TransactionID: ch.TransactionID, Reason: "authentication failed",
	}, nil).Once()
	f.tx.On("Submit", mock.Anything, mock.MatchedBy(func(r *provider.SubmitRequest) bool {
		return r.Biller == domain.BillerNetbilling && r.ReuseCardFromTransactionID == ch.TransactionID && r.Credentials.IsZero()
	})).Return(approvedOutcome(), nil).Once()

	res, err := f.svc.Complete(context.Background(), &CompleteInput{SessionID: sid, PaRes: "pares", MD: "md-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateProcessed, res.State)

	p := f.load(t, sid)
	txs := p.MainItem().Transactions().All()
	require.Len(t, txs, 3)
	assert.Equal(t, domain.TransactionPending, txs[0].Status)
	assert.True(t, txs[1].ThreeDSecured)
	assert.Equal(t, domain.TransactionDeclined, txs[1].Status)
	assert.Equal(t, domain.BillerNetbilling, txs[2].Biller)
	assert.Equal(t, 2, p.GatewaySubmitNumber())
	f.tx.AssertExpectations(t)
}

func TestCascade_SecondChallengeIsTreatedAsDecline(t *testing.T) {
	f := newFixture(t, domain.BillerRocketgate, domain.BillerNetbilling)
	sid, ch := f.toAuthenticatePending(t)
	f.tx.On("Complete3DS", mock.Anything, mock.Anything).Return(&provider.Outcome{
		Status: domain.TransactionDeclined, TransactionID: ch.TransactionID,
	}, nil).Once()
	f.tx.On("Submit", mock.Anything, onBiller(domain.BillerNetbilling)).Return(challengeOutcome("https://acs.example/2"), nil).Once()

	res, err := f.svc.Complete(context.Background(), &CompleteInput{SessionID: sid, PaRes: "pares", MD: "md-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateCascadeBillersExhausted, res.State)

	last, ok := f.load(t, sid).MainItem().Transactions().Last()
	require.True(t, ok)
	assert.Equal(t, domain.TransactionAborted, last.Status)
	assert.Equal(t, ReasonThreeDSNotRepeatable, last.Reason)
}

func TestProcess_TransportFailureAborts(t *testing.T) {
	f := newFixture(t, domain.BillerRocketgate, domain.BillerNetbilling)
	f.tx.On("Submit", mock.Anything, onBiller(domain.BillerRocketgate)).Return(nil, errors.New("circuit breaker is open")).Once()

	sid := f.init(t, 0, "buyer@example.com").SessionID
	res, err := f.svc.Process(context.Background(), processInput(sid, testCard))
	require.NoError(t, err)

	assert.Equal(t, domain.StateAborted, res.State)
	assert.Equal(t, ActionRestartProcess, res.NextAction.Type)
	last, _ := f.load(t, sid).MainItem().Transactions().Last()
	assert.Equal(t, ReasonTransactionServiceUnavailable, last.Reason)
	assert.True(t, last.TransactionID.IsZero())
	f.tx.AssertNumberOfCalls(t, "Submit", 1)
	assert.Equal(t, 1, f.queue.count())
}

func TestLookup_TransportFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.tx.On("Submit", mock.Anything, onBiller(domain.BillerRocketgate)).Return(challengeOutcome(""), nil).Once()
	f.tx.On("Lookup3DS", mock.Anything, mock.Anything).Return(nil, errors.New("timeout")).Once()

	ctx := context.Background()
	sid := f.init(t, 0, "buyer@example.com").SessionID
	_, err := f.svc.Process(ctx, processInput(sid, testCard))
	require.NoError(t, err)

	_, err = f.svc.Authenticate(ctx, sid)
	assert.ErrorIs(t, err, domain.ErrIllegalStateTransition)

	res, err := f.svc.Lookup(ctx, &LookupInput{SessionID: sid, DeviceFingerprintID: "fp-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateAborted, res.State)
}

func TestProcess_MarkerWriteFailureDoesNotCountSubmission(t *testing.T) {
	f := newFixture(t, domain.BillerRocketgate, domain.BillerNetbilling)

	sid := f.init(t, 0, "buyer@example.com").SessionID
	f.store.failMarker = true

	res, err := f.svc.Process(context.Background(), processInput(sid, testCard))
	require.NoError(t, err)
	assert.Equal(t, domain.StateAborted, res.State)

	p := f.load(t, sid)
	assert.Equal(t, 0, p.GatewaySubmitNumber())
	f.tx.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
	assert.Equal(t, 1, f.queue.count())
}

func TestPostback_QueueOutageIsRetriedOnReplay(t *testing.T) {
	f := newFixture(t)
	f.tx.On("Submit", mock.Anything, onBiller(domain.BillerRocketgate)).Return(approvedOutcome(), nil).Once()

	ctx := context.Background()
	sid := f.init(t, 0, "buyer@example.com").SessionID
	f.queue.failNext(1)

	res, err := f.svc.Process(ctx, processInput(sid, testCard))
	require.NoError(t, err)
	assert.Equal(t, domain.StateProcessed, res.State)
	assert.Equal(t, 0, f.queue.count())
	assert.True(t, f.load(t, sid).PostbackPending(), "the owed postback is stored with the terminal state")

	_, err = f.svc.Process(ctx, processInput(sid, testCard))
	assert.ErrorIs(t, err, domain.ErrSessionAlreadyProcessed)
	assert.Equal(t, 1, f.queue.count())
	assert.False(t, f.load(t, sid).PostbackPending())

	_, err = f.svc.Process(ctx, processInput(sid, testCard))
	assert.ErrorIs(t, err, domain.ErrSessionAlreadyProcessed)
	_, err = f.svc.GetPurchase(ctx, sid)
	require.NoError(t, err)

	assert.Equal(t, 1, f.queue.count())
	assert.Equal(t, 2, f.queue.tries())
	f.tx.AssertNumberOfCalls(t, "Submit", 1)
}

func TestPostback_QueueOutageIsRetriedOnRead(t *testing.T) {
	f := newFixture(t, domain.BillerRocketgate)
	f.tx.On("Submit", mock.Anything, onBiller(domain.BillerRocketgate)).Return(declinedOutcome(false), nil).Once()

	ctx := context.Background()
	sid := f.init(t, 0, "buyer@example.com").SessionID
	f.queue.failNext(2)

	res, err := f.svc.Process(ctx, processInput(sid, testCard))
	require.NoError(t, err)
	assert.Equal(t, domain.StateCascadeBillersExhausted, res.State)

	_, err = f.svc.GetPurchase(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, 0, f.queue.count(), "queue still down")
	assert.True(t, f.load(t, sid).PostbackPending())

	_, err = f.svc.GetPurchase(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, 1, f.queue.count())
	assert.False(t, f.load(t, sid).PostbackPending())
	assert.Equal(t, 3, f.queue.tries())
}

func TestFinalize_PersistFailureRecordsReconciliation(t *testing.T) {
	f := newFixture(t)
	approved := approvedOutcome()
	f.tx.On("Submit", mock.Anything, onBiller(domain.BillerRocketgate)).Return(approved, nil).Once()
	f.ledger.On("Record", mock.Anything, mock.MatchedBy(func(e *repository.ReconciliationEntry) bool {
		return e.State == domain.StateProcessed &&
			e.SubmitNumber == 1 &&
			e.Biller == domain.BillerRocketgate &&
			len(e.Transactions) == 1 && e.Transactions[0] == approved.TransactionID
	})).Return(nil).Once()

	sid := f.init(t, 0, "buyer@example.com").SessionID
	f.store.failSave = func(p *domain.PurchaseProcess) bool { return p.IsTerminal() }

	res, err := f.svc.Process(context.Background(), processInput(sid, testCard))
	require.NoError(t, err, "the outcome is reported even though it was not stored")
	assert.Equal(t, domain.StateProcessed, res.State)

	assert.Equal(t, 0, f.queue.count(), "no postback for an unpersisted terminal state")
	assert.Equal(t, domain.StateValid, f.load(t, sid).State())
	f.ledger.AssertExpectations(t)
}

func TestProcess_ChargesSelectedCrossSalesOnMainBiller(t *testing.T) {
	f := newFixture(t, domain.BillerRocketgate, domain.BillerNetbilling)
	f.tx.On("Submit", mock.Anything, onBiller(domain.BillerRocketgate)).Return(declinedOutcome(false), nil).Once()
	f.tx.On("Submit", mock.Anything, onBiller(domain.BillerNetbilling)).Return(approvedOutcome(), nil).Once()
	f.tx.On("Submit", mock.Anything, mock.MatchedBy(func(r *provider.SubmitRequest) bool {
		return r.IsCrossSale && r.Biller == domain.BillerNetbilling && r.Charge.InitialAmount == 999
	})).Return(approvedOutcome(), nil).Once()

	initRes := f.init(t, 2, "buyer@example.com")
	in := processInput(initRes.SessionID, testCard)
	in.SelectedCrossSales = []string{initRes.Items[1].ItemID}

	res, err := f.svc.Process(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, domain.StateProcessed, res.State)
	require.Len(t, res.Items, 3)
	assert.Equal(t, domain.ItemApproved, res.Items[1].Status)
	assert.Equal(t, domain.ItemNotAttempted, res.Items[2].Status)

	p := f.load(t, initRes.SessionID)
	require.NotNil(t, p.Purchase())
	assert.Len(t, p.Purchase().ProcessedItems, 2)
	assert.Equal(t, 3, p.GatewaySubmitNumber())
	f.tx.AssertExpectations(t)
}

func TestProcess_NSFCrossSaleContinuation(t *testing.T) {
	tests := []struct {
		name      string
		nsfSite   bool
		wantCharge bool
	}{
		{"site allows continuation", true, true},
		{"site does not allow continuation", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, domain.BillerRocketgate)
			f.config.NSFSites["site-1"] = tt.nsfSite
			f.tx.On("Submit", mock.Anything, onBiller(domain.BillerRocketgate)).Return(declinedOutcome(true), nil).Once()
			if tt.wantCharge {
				f.tx.On("Submit", mock.Anything, crossSaleRequest()).Return(approvedOutcome(), nil).Once()
			}

			initRes := f.init(t, 1, "buyer@example.com")
			in := processInput(initRes.SessionID, testCard)
			in.SelectedCrossSales = []string{initRes.Items[1].ItemID}

			res, err := f.svc.Process(context.Background(), in)
			require.NoError(t, err)
			assert.Equal(t, domain.StateCascadeBillersExhausted, res.State)
			if tt.wantCharge {
				assert.Equal(t, domain.ItemApproved, res.Items[1].Status)
			} else {
				assert.Equal(t, domain.ItemNotAttempted, res.Items[1].Status)
				f.tx.AssertNumberOfCalls(t, "Submit", 1)
			}
			f.tx.AssertExpectations(t)
		})
	}
}

func TestProcess_CaptchaGate(t *testing.T) {
	f := newFixture(t)
	f.tx.On("Submit", mock.Anything, onBiller(domain.BillerRocketgate)).Return(approvedOutcome(), nil).Once()
	ctx := context.Background()

	initRes := f.init(t, 0, providermock.CaptchaMarker+"@example.com")
	assert.Equal(t, ActionValidateCaptcha, initRes.NextAction.Type)

	res, err := f.svc.Process(ctx, processInput(initRes.SessionID, testCard))
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, res.State)
	assert.Equal(t, ActionValidateCaptcha, res.NextAction.Type)
	f.tx.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)

	in := processInput(initRes.SessionID, testCard)
	in.CaptchaValidated = true
	res, err = f.svc.Process(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, domain.StateProcessed, res.State)
}

func TestProcess_FraudOutageDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	f.fraud = failingFraud{}
	f.build()
	f.tx.On("Submit", mock.Anything, onBiller(domain.BillerRocketgate)).Return(approvedOutcome(), nil).Once()

	sid := f.init(t, 0, "buyer@example.com").SessionID
	res, err := f.svc.Process(context.Background(), processInput(sid, testCard))
	require.NoError(t, err)
	assert.Equal(t, domain.StateProcessed, res.State)
}

func TestProcess_RejectsNonPendingSession(t *testing.T) {
	f := newFixture(t)
	sid, _ := f.toAuthenticatePending(t)

	_, err := f.svc.Process(context.Background(), processInput(sid, testCard))
	assert.ErrorIs(t, err, domain.ErrIllegalStateTransition)
}

func TestInit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sid := domain.NewSessionID().String()
	in := &InitInput{
		SessionID:   sid,
		SiteID:      "site-1",
		PaymentType: "cc",
		RedirectURL: "https://merchant.example/return",
		MainItem:    ItemInput{InitialAmount: 100, Currency: "EUR"},
	}

	res, err := f.svc.Init(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, sid, res.SessionID)
	assert.Equal(t, domain.StatePending, res.State)
	assert.Equal(t, ActionRenderGateway, res.NextAction.Type)
	assert.Equal(t, 1, f.events.initialized)

	_, err = f.svc.Init(ctx, in)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyExists)

	bad := *in
	bad.SessionID = ""
	bad.PublicKeyIndex = 3
	_, err = f.svc.Init(ctx, &bad)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestInit_BlacklistBlocksImmediately(t *testing.T) {
	f := newFixture(t)
	res := f.init(t, 0, "mallory"+providermock.BlacklistDomain)

	assert.Equal(t, domain.StateBlockedDueToFraudAdvice, res.State)
	assert.Equal(t, ActionFinishProcess, res.NextAction.Type)
	assert.Equal(t, 1, f.queue.count())
	assert.Equal(t, 1, f.events.failed)
}

func TestSimplifiedComplete_ForwardsQueryVerbatim(t *testing.T) {
	f := newFixture(t)
	sid, ch := f.toAuthenticatePending(t)
	f.tx.On("SimplifiedComplete3DS", mock.Anything, mock.MatchedBy(func(r *provider.SimplifiedCompleteRequest) bool {
		return r.Query == "cres=abc&threeDSSessionData=xyz" && r.TransactionID == ch.TransactionID
	})).Return(&provider.Outcome{Status: domain.TransactionApproved, TransactionID: ch.TransactionID}, nil).Once()

	res, err := f.svc.SimplifiedComplete(context.Background(), &SimplifiedCompleteInput{
		SessionID: sid,
		Query:     "?cres=abc&threeDSSessionData=xyz",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateProcessed, res.State)
	f.tx.AssertExpectations(t)
}

func TestResult_RedirectParamsAreSigned(t *testing.T) {
	f := newFixture(t)
	f.tx.On("Submit", mock.Anything, onBiller(domain.BillerRocketgate)).Return(approvedOutcome(), nil).Once()
	sid := f.init(t, 0, "buyer@example.com").SessionID

	res, err := f.svc.Process(context.Background(), processInput(sid, testCard))
	require.NoError(t, err)

	params := res.RedirectParams()
	assert.Equal(t, sid, params.Get("sessionId"))
	assert.Equal(t, "processed", params.Get("state"))
	assert.Equal(t, "true", params.Get("success"))

	id, _ := domain.ParseSessionID(sid)
	want, err := f.signer.RedirectDigest(0, id, domain.StateProcessed, true)
	require.NoError(t, err)
	assert.Equal(t, want, params.Get("digest"))
}

func TestReleaseSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending := f.init(t, 0, "buyer@example.com")
	pid, _ := domain.ParseSessionID(pending.SessionID)
	assert.ErrorIs(t, f.svc.ReleaseSession(ctx, pid), domain.ErrIllegalStateTransition)

	blocked := f.init(t, 0, "mallory"+providermock.BlacklistDomain)
	bid, _ := domain.ParseSessionID(blocked.SessionID)
	require.NoError(t, f.svc.ReleaseSession(ctx, bid))

	for _, key := range repository.SessionKeys(bid) {
		assert.False(t, f.mr.Exists(key), key)
	}
	_, err := f.svc.GetPurchase(ctx, blocked.SessionID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestNSFSitesPolicy(t *testing.T) {
	policy := NSFSitesPolicy([]string{" site-a ", ""})
	assert.True(t, policy(&domain.SiteConfig{SiteID: "site-a"}))
	assert.True(t, policy(&domain.SiteConfig{SiteID: "site-b", NSFCrossSellContinuation: true}))
	assert.False(t, policy(&domain.SiteConfig{SiteID: "site-b"}))
	assert.False(t, policy(nil))
}
