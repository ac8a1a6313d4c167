package service

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/GianGuaz256/vending-server/internal/btcpay"
	"github.com/GianGuaz256/vending-server/internal/config"
	"github.com/GianGuaz256/vending-server/internal/db"
	"github.com/GianGuaz256/vending-server/internal/message"
	"github.com/GianGuaz256/vending-server/internal/payload"
	"github.com/GianGuaz256/vending-server/internal/payment"
	"github.com/GianGuaz256/vending-server/internal/reconcile"
	"github.com/GianGuaz256/vending-server/internal/testhelpers"
	"github.com/google/uuid"
	"github.com/h2non/gock"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type fakeNotifier struct {
	published []message.EventPointer
}

func (f *fakeNotifier) PublishEvent(_ context.Context, _ uuid.UUID, ptr message.EventPointer) {
	f.published = append(f.published, ptr)
}

type fakeScheduler struct {
	scheduled []uuid.UUID
}

func (f *fakeScheduler) Schedule(paymentID uuid.UUID) {
	f.scheduled = append(f.scheduled, paymentID)
}

type PaymentServiceTestSuite struct {
	suite.Suite
	pgContainer *testhelpers.PostgresContainer
	pool        *pgxpool.Pool
	clients     *db.ClientRepository
	payments    *db.PaymentRepository
	events      *db.EventRepository
	notifier    *fakeNotifier
	scheduler   *fakeScheduler
	sut         *PaymentService
	ctx         context.Context
}

func (s *PaymentServiceTestSuite) SetupSuite() {
	time.Local = time.UTC

	s.ctx = context.Background()
	pgContainer, err := testhelpers.CreatePostgresContainer(s.ctx)
	if err != nil {
		log.Fatal(err)
	}
	s.pgContainer = pgContainer

	db.RunMigrations(pgContainer.ConnectionString, "../../migrations")

	pool, err := db.GetPool(pgContainer.ConnectionString)
	if err != nil {
		log.Fatal(err)
	}

	s.pool = pool
	s.clients = db.NewClientRepository(pool)
	s.payments = db.NewPaymentRepository(pool)
	s.events = db.NewEventRepository(pool)
}

func (s *PaymentServiceTestSuite) TearDownSuite() {
	s.pool.Close()

	if err := s.pgContainer.Terminate(s.ctx); err != nil {
		log.Fatalf("error terminating postgres container: %s", err)
	}
}

func (s *PaymentServiceTestSuite) SetupTest() {
	_, err := s.pool.Exec(s.ctx, `DELETE FROM callback_message;
		DELETE FROM payment_events;
		DELETE FROM provider_invoices;
		DELETE FROM payment_requests;
		DELETE FROM clients`)
	if err != nil {
		log.Fatalf("error truncating tables: %s", err)
	}

	logger := slog.Default()
	provider := btcpay.NewClient(config.BTCPay{
		BaseURL:              "http://btcpay.local",
		APIKey:               "test-key",
		StoreID:              "store-1",
		InvoiceExpiryMinutes: 15,
		RequestTimeoutMs:     2000,
		Bolt11PollAttempts:   0,
		Bolt11PollDelayMs:    10,
	}, logger)
	gock.InterceptClient(provider.HTTPClient())

	callbacks := db.NewCallbackRepository(s.pool)
	s.notifier = &fakeNotifier{}
	s.scheduler = &fakeScheduler{}
	reconciler := reconcile.NewReconciler(s.payments, s.events, callbacks, s.notifier, logger)

	s.sut = NewPaymentService(s.payments, s.events, provider, reconciler, s.notifier, s.scheduler,
		config.Payment{MonitorWindowSeconds: 120, MetadataMaxBytes: 2048}, logger)
}

func (s *PaymentServiceTestSuite) TearDownTest() {
	gock.Off()
}

func (s *PaymentServiceTestSuite) seedClient() *db.ClientEntity {
	client := &db.ClientEntity{
		ID:         uuid.New(),
		MachineID:  "vm-" + uuid.NewString()[:8],
		SecretHash: "hash",
		IsActive:   true,
		Metadata:   json.RawMessage(`{}`),
	}
	_, err := s.clients.Create(s.ctx, client)
	assert.NoError(s.T(), err)
	return client
}

func (s *PaymentServiceTestSuite) mockProvisioning(invoiceID string) {
	gock.New("http://btcpay.local").
		Post("/api/v1/stores/store-1/invoices").
		Reply(200).
		JSON(map[string]any{
			"id":             invoiceID,
			"storeId":        "store-1",
			"status":         "New",
			"checkoutLink":   "http://btcpay.local/i/" + invoiceID,
			"expirationTime": time.Now().Add(15 * time.Minute).Unix(),
		})

	gock.New("http://btcpay.local").
		Get("/api/v1/stores/store-1/invoices/" + invoiceID + "/payment-methods").
		Reply(200).
		JSON([]map[string]any{{
			"paymentMethod": "BTC-LightningNetwork",
			"destination":   "lnbc2500u1pvjluezpp5qqqsyq",
		}})
}

func (s *PaymentServiceTestSuite) createRequest() *payload.CreatePaymentRequest {
	return &payload.CreatePaymentRequest{
		PaymentMethod: payment.PaymentMethodLightning,
		Amount:        "2.50",
		Currency:      "eur",
		ExternalCode:  "A1",
	}
}

func (s *PaymentServiceTestSuite) TestCreateProvisionsPayment() {
	t := s.T()

	client := s.seedClient()
	s.mockProvisioning("inv-1")

	detail, replayed, err := s.sut.Create(s.ctx, client.ID, s.createRequest())
	require.NoError(t, err)
	assert.False(t, replayed)

	assert.Equal(t, payment.StatusPending, detail.Payment.Status)
	assert.Equal(t, "EUR", detail.Payment.Currency)
	require.NotNil(t, detail.Payment.AmountSats)
	assert.Equal(t, int64(250_000), *detail.Payment.AmountSats)
	assert.WithinDuration(t, time.Now().Add(120*time.Second), detail.Payment.MonitorUntil, 5*time.Second)

	require.NotNil(t, detail.Invoice)
	assert.Equal(t, "inv-1", detail.Invoice.ProviderInvoiceID)
	assert.Equal(t, "lnbc2500u1pvjluezpp5qqqsyq", *detail.Invoice.Bolt11)

	events, err := s.events.ListForPayment(s.ctx, detail.Payment.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, payment.EventCreated, events[0].EventType)
	assert.Equal(t, payment.EventProviderInvoiceCreated, events[1].EventType)

	assert.Equal(t, []uuid.UUID{detail.Payment.ID}, s.scheduler.scheduled)
	assert.Len(t, s.notifier.published, 2)
	assert.True(t, gock.IsDone())
}

func (s *PaymentServiceTestSuite) TestCreateProviderFailure() {
	t := s.T()

	client := s.seedClient()
	gock.New("http://btcpay.local").
		Post("/api/v1/stores/store-1/invoices").
		Reply(500).
		BodyString("backend exploded")

	_, _, err := s.sut.Create(s.ctx, client.ID, s.createRequest())

	var provErr *ProvisioningError
	require.True(t, errors.As(err, &provErr))

	got, err := s.payments.GetByID(s.ctx, provErr.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusFailed, got.Status)
	assert.Equal(t, "PROVIDER_ERROR:STATUS", *got.StatusReason)
	assert.NotNil(t, got.FinalizedAt)

	events, err := s.events.ListForPayment(s.ctx, got.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, payment.EventCreated, events[0].EventType)
	assert.Equal(t, payment.EventFailed, events[1].EventType)

	assert.Empty(t, s.scheduler.scheduled)
}

func (s *PaymentServiceTestSuite) TestCreateIdempotentReplay() {
	t := s.T()

	client := s.seedClient()
	s.mockProvisioning("inv-2")

	key := "order-42"
	req := s.createRequest()
	req.IdempotencyKey = &key

	first, replayed, err := s.sut.Create(s.ctx, client.ID, req)
	require.NoError(t, err)
	assert.False(t, replayed)

	// no provider mock armed: a replay must not call out at all
	second, replayed, err := s.sut.Create(s.ctx, client.ID, req)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.Payment.ID, second.Payment.ID)

	var count int
	err = s.pool.QueryRow(s.ctx, "SELECT count(*) FROM payment_requests").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func (s *PaymentServiceTestSuite) TestCreateValidation() {
	t := s.T()

	client := s.seedClient()

	tests := []struct {
		name   string
		mutate func(req *payload.CreatePaymentRequest)
		field  string
	}{
		{
			name:   "UnsupportedMethod",
			mutate: func(req *payload.CreatePaymentRequest) { req.PaymentMethod = "CARD" },
			field:  "payment_method",
		},
		{
			name:   "ZeroAmount",
			mutate: func(req *payload.CreatePaymentRequest) { req.Amount = "0" },
			field:  "amount",
		},
		{
			name:   "MalformedAmount",
			mutate: func(req *payload.CreatePaymentRequest) { req.Amount = "two fifty" },
			field:  "amount",
		},
		{
			name:   "MetadataNotJSON",
			mutate: func(req *payload.CreatePaymentRequest) { req.Metadata = json.RawMessage("{oops") },
			field:  "metadata",
		},
		{
			name: "MetadataTooLarge",
			mutate: func(req *payload.CreatePaymentRequest) {
				req.Metadata = json.RawMessage(`{"pad":"` + strings.Repeat("a", 3000) + `"}`)
			},
			field: "metadata",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := s.createRequest()
			tt.mutate(req)

			_, _, err := s.sut.Create(s.ctx, client.ID, req)

			var valErr *ValidationError
			require.True(t, errors.As(err, &valErr))
			assert.Equal(t, tt.field, valErr.Field)
		})
	}

	var count int
	err := s.pool.QueryRow(s.ctx, "SELECT count(*) FROM payment_requests").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func (s *PaymentServiceTestSuite) TestGetScopedToClient() {
	t := s.T()

	client := s.seedClient()
	other := s.seedClient()
	s.mockProvisioning("inv-3")

	created, _, err := s.sut.Create(s.ctx, client.ID, s.createRequest())
	require.NoError(t, err)

	detail, err := s.sut.Get(s.ctx, client.ID, created.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Payment.ID, detail.Payment.ID)
	assert.NotNil(t, detail.Invoice)

	_, err = s.sut.Get(s.ctx, other.ID, created.Payment.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func (s *PaymentServiceTestSuite) TestCancel() {
	t := s.T()

	client := s.seedClient()
	s.mockProvisioning("inv-4")

	created, _, err := s.sut.Create(s.ctx, client.ID, s.createRequest())
	require.NoError(t, err)

	outcome, err := s.sut.Cancel(s.ctx, client.ID, created.Payment.ID)
	require.NoError(t, err)
	assert.True(t, outcome.Applied)
	assert.Equal(t, payment.StatusCanceled, outcome.Status)

	got, err := s.payments.GetByID(s.ctx, created.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCanceled, got.Status)
	assert.Equal(t, "CANCELED_BY_CLIENT", *got.StatusReason)

	second, err := s.sut.Cancel(s.ctx, client.ID, created.Payment.ID)
	require.NoError(t, err)
	assert.False(t, second.Applied)
	assert.Equal(t, reconcile.ReasonAlreadyFinalized, second.Reason)
}

func TestPaymentServiceTestSuite(t *testing.T) {
	suite.Run(t, new(PaymentServiceTestSuite))
}
