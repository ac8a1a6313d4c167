package callback

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"testing"
	"time"

	"github.com/GianGuaz256/vending-server/internal/config"
	"github.com/GianGuaz256/vending-server/internal/db"
	"github.com/GianGuaz256/vending-server/internal/message"
	"github.com/GianGuaz256/vending-server/internal/testhelpers"
	"github.com/google/uuid"
	"github.com/h2non/gock"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ProcessorTestSuite struct {
	suite.Suite
	pgContainer *testhelpers.PostgresContainer
	pool        *pgxpool.Pool
	clients     *db.ClientRepository
	payments    *db.PaymentRepository
	repo        *db.CallbackRepository
	sut         *Processor
	ctx         context.Context
}

func (s *ProcessorTestSuite) SetupSuite() {
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
	s.repo = db.NewCallbackRepository(pool)

	sender := NewSender(config.CallbackSender{TimeoutMs: 1000}, "test-secret", slog.Default())
	s.sut = NewCallbackProcessor(s.repo, sender, config.CallbackProcessor{
		Parallelism:         4,
		RescheduleDelayMs:   1000,
		MaxDeliveryAttempts: 3,
	}, slog.Default())
}

func (s *ProcessorTestSuite) TearDownSuite() {
	s.pool.Close()

	if err := s.pgContainer.Terminate(s.ctx); err != nil {
		log.Fatalf("error terminating postgres container: %s", err)
	}
}

func (s *ProcessorTestSuite) SetupTest() {
	_, err := s.pool.Exec(s.ctx, `DELETE FROM callback_message;
		DELETE FROM payment_requests;
		DELETE FROM clients`)
	if err != nil {
		log.Fatalf("error truncating tables: %s", err)
	}
}

func (s *ProcessorTestSuite) TearDownTest() {
	gock.Off()
}

func (s *ProcessorTestSuite) seedCallback(attempts int) *db.CallbackMessageEntity {
	client := &db.ClientEntity{
		ID:         uuid.New(),
		MachineID:  "vm-" + uuid.NewString()[:8],
		SecretHash: "hash",
		IsActive:   true,
		Metadata:   json.RawMessage(`{}`),
	}
	_, err := s.clients.Create(s.ctx, client)
	assert.NoError(s.T(), err)

	payment := &db.PaymentRequestEntity{
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

	now := time.Now()
	entity := &db.CallbackMessageEntity{
		ID:          uuid.New(),
		PaymentID:   payment.ID,
		Url:         "http://machine.example.com/hook",
		Payload:     `{"status": "PAID"}`,
		ScheduledAt: &now,
	}
	_, err = s.repo.Create(s.ctx, tx, entity)
	assert.NoError(s.T(), err)
	assert.NoError(s.T(), tx.Commit(s.ctx))

	if attempts > 0 {
		_, err = s.pool.Exec(s.ctx, "UPDATE callback_message SET delivery_attempts = $2 WHERE id = $1", entity.ID, attempts)
		assert.NoError(s.T(), err)
		entity.DeliveryAttempts = attempts
	}
	return entity
}

func (s *ProcessorTestSuite) toMessage(entity *db.CallbackMessageEntity) message.Callback {
	return message.Callback{
		ID:        entity.ID,
		PaymentID: entity.PaymentID,
		Url:       entity.Url,
		Payload:   entity.Payload,
		Attempts:  entity.DeliveryAttempts,
	}
}

func (s *ProcessorTestSuite) TestProcess_Delivers() {
	t := s.T()

	entity := s.seedCallback(0)

	gock.New("http://machine.example.com").
		Post("/hook").
		MatchHeader("X-Signature", "sha256="+sign("test-secret", entity.Payload)).
		Reply(200)

	err := s.sut.Process(s.ctx, s.toMessage(entity))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := s.repo.SelectByID(s.ctx, entity.ID)
		return err == nil && got.DeliveredAt != nil
	}, 5*time.Second, 50*time.Millisecond)

	got, err := s.repo.SelectByID(s.ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.DeliveryAttempts)
	assert.Nil(t, got.ScheduledAt)
	assert.Nil(t, got.Error)
	assert.True(t, gock.IsDone())
}

func (s *ProcessorTestSuite) TestProcess_ReschedulesOnFailure() {
	t := s.T()

	entity := s.seedCallback(0)

	gock.New("http://machine.example.com").
		Post("/hook").
		Reply(500)

	err := s.sut.Process(s.ctx, s.toMessage(entity))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := s.repo.SelectByID(s.ctx, entity.ID)
		return err == nil && got.DeliveryAttempts == 1
	}, 5*time.Second, 50*time.Millisecond)

	got, err := s.repo.SelectByID(s.ctx, entity.ID)
	require.NoError(t, err)
	assert.Nil(t, got.DeliveredAt)
	require.NotNil(t, got.ScheduledAt)
	assert.True(t, got.ScheduledAt.After(time.Now()))
	assert.Contains(t, *got.Error, "error response")
}

func (s *ProcessorTestSuite) TestProcess_GivesUpAfterMaxAttempts() {
	t := s.T()

	entity := s.seedCallback(2)

	gock.New("http://machine.example.com").
		Post("/hook").
		Reply(500)

	err := s.sut.Process(s.ctx, s.toMessage(entity))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := s.repo.SelectByID(s.ctx, entity.ID)
		return err == nil && got.DeliveryAttempts == 3
	}, 5*time.Second, 50*time.Millisecond)

	got, err := s.repo.SelectByID(s.ctx, entity.ID)
	require.NoError(t, err)
	assert.Nil(t, got.DeliveredAt)
	assert.Nil(t, got.ScheduledAt)
	assert.NotNil(t, got.Error)
}

func (s *ProcessorTestSuite) TestProcess_SkipsAlreadyDelivered() {
	t := s.T()

	entity := s.seedCallback(1)
	_, err := s.pool.Exec(s.ctx,
		"UPDATE callback_message SET delivered_at = now(), scheduled_at = NULL WHERE id = $1", entity.ID)
	require.NoError(t, err)

	// no mock armed: a delivered message must not be sent again
	err = s.sut.Process(s.ctx, s.toMessage(entity))
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)

	got, err := s.repo.SelectByID(s.ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.DeliveryAttempts)
}

func TestProcessorTestSuite(t *testing.T) {
	suite.Run(t, new(ProcessorTestSuite))
}
