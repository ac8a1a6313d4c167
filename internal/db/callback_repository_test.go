package db

import (
	"context"
	"encoding/json"
	"log"
	"testing"
	"time"

	"github.com/GianGuaz256/vending-server/internal/testhelpers"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type CallbackRepositoryTestSuite struct {
	suite.Suite
	pgContainer *testhelpers.PostgresContainer
	pool        *pgxpool.Pool
	clients     *ClientRepository
	payments    *PaymentRepository
	sut         *CallbackRepository
	ctx         context.Context
}

func (s *CallbackRepositoryTestSuite) SetupSuite() {
	time.Local = time.UTC

	s.ctx = context.Background()
	pgContainer, err := testhelpers.CreatePostgresContainer(s.ctx)
	if err != nil {
		log.Fatal(err)
	}
	s.pgContainer = pgContainer

	RunMigrations(pgContainer.ConnectionString, "../../migrations")

	pool, err := GetPool(pgContainer.ConnectionString)
	if err != nil {
		log.Fatal(err)
	}

	s.pool = pool
	s.clients = NewClientRepository(pool)
	s.payments = NewPaymentRepository(pool)
	s.sut = NewCallbackRepository(pool)
}

func (s *CallbackRepositoryTestSuite) TearDownSuite() {
	s.pool.Close()

	if err := s.pgContainer.Terminate(s.ctx); err != nil {
		log.Fatalf("error terminating postgres container: %s", err)
	}
}

func (s *CallbackRepositoryTestSuite) SetupTest() {
	_, err := s.pool.Exec(s.ctx, `DELETE FROM callback_message;
		DELETE FROM payment_requests;
		DELETE FROM clients`)
	if err != nil {
		log.Fatalf("error truncating tables: %s", err)
	}
}

func (s *CallbackRepositoryTestSuite) seedPayment() *PaymentRequestEntity {
	client := &ClientEntity{
		ID:         uuid.New(),
		MachineID:  "vm-" + uuid.NewString()[:8],
		SecretHash: "hash",
		IsActive:   true,
		Metadata:   json.RawMessage(`{}`),
	}
	_, err := s.clients.Create(s.ctx, client)
	assert.NoError(s.T(), err)

	payment := &PaymentRequestEntity{
		ID:            uuid.New(),
		ClientID:      client.ID,
		ExternalCode:  "A1",
		PaymentMethod: "BTC_LN",
		Amount:        "1.00000000",
		Currency:      "EUR",
		Metadata:      json.RawMessage(`{}`),
		Status:        "PAID",
		MonitorUntil:  time.Now().Add(time.Minute),
	}

	tx, err := s.payments.BeginTx(s.ctx)
	assert.NoError(s.T(), err)
	defer tx.Rollback(s.ctx)

	_, err = s.payments.Create(s.ctx, tx, payment)
	assert.NoError(s.T(), err)
	assert.NoError(s.T(), tx.Commit(s.ctx))
	return payment
}

func (s *CallbackRepositoryTestSuite) createCallback(paymentID uuid.UUID, scheduledAt *time.Time) *CallbackMessageEntity {
	entity := &CallbackMessageEntity{
		ID:          uuid.New(),
		PaymentID:   paymentID,
		Url:         "http://example.com",
		Payload:     `{"key": "value"}`,
		ScheduledAt: scheduledAt,
	}

	tx, err := s.sut.BeginTx(s.ctx)
	assert.NoError(s.T(), err)
	defer tx.Rollback(s.ctx)

	_, err = s.sut.Create(s.ctx, tx, entity)
	assert.NoError(s.T(), err)
	assert.NoError(s.T(), tx.Commit(s.ctx))
	return entity
}

func (s *CallbackRepositoryTestSuite) TestBeginTx() {
	t := s.T()

	tx, err := s.sut.BeginTx(s.ctx)
	assert.NoError(t, err)
	assert.NotNil(t, tx)

	err = tx.Rollback(s.ctx)
	assert.NoError(t, err)
}

func (s *CallbackRepositoryTestSuite) TestCreate() {
	t := s.T()

	payment := s.seedPayment()
	now := time.Now()
	entity := s.createCallback(payment.ID, &now)

	created, err := s.sut.SelectByID(s.ctx, entity.ID)
	assert.NoError(t, err)
	assert.Equal(t, entity.ID, created.ID)
	assert.Equal(t, payment.ID, created.PaymentID)
	assert.Nil(t, created.PublishedAt)
	assert.Nil(t, created.DeliveredAt)
}

func (s *CallbackRepositoryTestSuite) TestGetUnprocessedCallbacks() {
	t := s.T()

	payment := s.seedPayment()
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	due := s.createCallback(payment.ID, &past)
	s.createCallback(payment.ID, &future)
	s.createCallback(payment.ID, nil)

	tx, err := s.sut.BeginTx(s.ctx)
	assert.NoError(t, err)
	defer tx.Rollback(s.ctx)

	callbacks, err := s.sut.GetUnprocessedCallbacks(s.ctx, tx, 10)
	assert.NoError(t, err)
	assert.Len(t, callbacks, 1)
	assert.Equal(t, due.ID, callbacks[0].ID)
}

func (s *CallbackRepositoryTestSuite) TestUpdate() {
	t := s.T()

	payment := s.seedPayment()
	now := time.Now()
	entity := s.createCallback(payment.ID, &now)

	tx, err := s.sut.BeginTx(s.ctx)
	assert.NoError(t, err)
	defer tx.Rollback(s.ctx)

	publishedAt := time.Now()
	entity.ScheduledAt = nil
	entity.PublishedAt = &publishedAt
	entity.PublishAttempts = 1
	err = s.sut.Update(s.ctx, tx, entity)
	assert.NoError(t, err)

	updated, err := s.sut.SelectForUpdateByID(s.ctx, tx, entity.ID)
	assert.NoError(t, err)
	assert.Equal(t, 1, updated.PublishAttempts)
	assert.Nil(t, updated.ScheduledAt)
	assert.NotNil(t, updated.PublishedAt)
}

func (s *CallbackRepositoryTestSuite) TestSelectForUpdateByID() {
	t := s.T()

	payment := s.seedPayment()
	now := time.Now()
	entity := s.createCallback(payment.ID, &now)

	tx, err := s.sut.BeginTx(s.ctx)
	assert.NoError(t, err)
	defer tx.Rollback(s.ctx)

	selected, err := s.sut.SelectForUpdateByID(s.ctx, tx, entity.ID)
	assert.NoError(t, err)
	assert.Equal(t, entity.ID, selected.ID)

	_, err = s.sut.SelectForUpdateByID(s.ctx, tx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func (s *CallbackRepositoryTestSuite) TestUpdateScheduledAtAndAttemptsByID() {
	t := s.T()

	payment := s.seedPayment()
	now := time.Now()
	entity := s.createCallback(payment.ID, &now)

	tx, err := s.sut.BeginTx(s.ctx)
	assert.NoError(t, err)
	defer tx.Rollback(s.ctx)

	// nil scheduled_at means giving up, only the error is kept
	err = s.sut.UpdateScheduledAtAndAttemptsByID(s.ctx, tx, entity.ID, nil, 3, "connection refused")
	assert.NoError(t, err)
	assert.NoError(t, tx.Commit(s.ctx))

	updated, err := s.sut.SelectByID(s.ctx, entity.ID)
	assert.NoError(t, err)
	assert.Nil(t, updated.ScheduledAt)
	assert.Equal(t, 3, updated.DeliveryAttempts)
	assert.Equal(t, "connection refused", *updated.Error)
}

func (s *CallbackRepositoryTestSuite) TestUpdateAttemptsAndDeliveredAtByID() {
	t := s.T()

	payment := s.seedPayment()
	now := time.Now()
	entity := s.createCallback(payment.ID, &now)

	tx, err := s.sut.BeginTx(s.ctx)
	assert.NoError(t, err)
	defer tx.Rollback(s.ctx)

	err = s.sut.UpdateAttemptsAndDeliveredAtByID(s.ctx, tx, entity.ID, 1, time.Now())
	assert.NoError(t, err)
	assert.NoError(t, tx.Commit(s.ctx))

	updated, err := s.sut.SelectByID(s.ctx, entity.ID)
	assert.NoError(t, err)
	assert.Equal(t, 1, updated.DeliveryAttempts)
	assert.NotNil(t, updated.DeliveredAt)
	assert.Nil(t, updated.ScheduledAt)
	assert.Nil(t, updated.Error)
}

func TestCallbackRepositoryTestSuite(t *testing.T) {
	suite.Run(t, new(CallbackRepositoryTestSuite))
}
