package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mifumohq/dispatch/internal/models"
	"github.com/mifumohq/dispatch/internal/ratelimit"
)

type messageFixture struct {
	svc          *MessageService
	messageRepo  *mockMessageRepo
	campaignRepo *mockCampaignRepo
	queue        *mockQueue
	clock        *clockwork.FakeClock
	tenantID     uuid.UUID
	contact      *models.Contact
}

func newMessageFixture(userLimit int64) *messageFixture {
	tenantID := uuid.New()
	contact := activeContact(tenantID, "+255700000001", time.Now())
	clock := clockwork.NewFakeClock()
	campaignRepo := newMockCampaignRepo()
	messageRepo := newMockMessageRepo()
	q := newMockQueue()
	logger := testLogger()

	svc := NewMessageService(
		messageRepo,
		newMockContactRepo(contact),
		newMockConversationRepo(),
		q,
		ratelimit.NewMemoryLimiter(userLimit, time.Hour, clock),
		NewStatsService(campaignRepo, clock, logger),
		optInPolicy(),
		clock,
		logger,
	)
	return &messageFixture{
		svc:          svc,
		messageRepo:  messageRepo,
		campaignRepo: campaignRepo,
		queue:        q,
		clock:        clock,
		tenantID:     tenantID,
		contact:      contact,
	}
}

func (f *messageFixture) sendInput() SendMessageInput {
	return SendMessageInput{
		TenantID:  f.tenantID,
		SenderID:  7,
		ContactID: f.contact.ID,
		Channel:   models.ChannelSMS,
		Body:      "Hello {name}",
	}
}

func TestMessageService_Send(t *testing.T) {
	f := newMessageFixture(100)

	message, err := f.svc.Send(context.Background(), f.sendInput())
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if message.Status != models.MessageStatusQueued {
		t.Errorf("status = %s, want queued", message.Status)
	}
	if message.CampaignID != nil {
		t.Error("interactive send has a campaign id")
	}
	if message.Body == "Hello {name}" {
		t.Error("body not rendered")
	}
	if f.queue.readyCount() != 1 {
		t.Errorf("queue holds %d tasks, want 1", f.queue.readyCount())
	}
}

func TestMessageService_Send_RateLimited(t *testing.T) {
	f := newMessageFixture(2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.svc.Send(ctx, f.sendInput()); err != nil {
			t.Fatalf("Send %d returned error: %v", i, err)
		}
	}

	_, err := f.svc.Send(ctx, f.sendInput())
	if err == nil {
		t.Fatal("expected rate limit error, got nil")
	}
	var appErr *models.AppError
	if !errors.As(err, &appErr) || appErr.Code != "RATE_LIMITED" {
		t.Fatalf("error = %v, want RATE_LIMITED", err)
	}
	if appErr.RetryAfter <= 0 {
		t.Errorf("retry_after = %s, want positive", appErr.RetryAfter)
	}
	// The rejected send created nothing.
	if f.queue.readyCount() != 2 {
		t.Errorf("queue holds %d tasks, want 2", f.queue.readyCount())
	}

	// The window resets and sends resume.
	f.clock.Advance(61 * time.Minute)
	if _, err := f.svc.Send(ctx, f.sendInput()); err != nil {
		t.Errorf("Send after window reset returned error: %v", err)
	}
}

func TestMessageService_Send_IneligibleContact(t *testing.T) {
	f := newMessageFixture(100)
	now := time.Now()
	f.contact.OptOutAt = &now

	if _, err := f.svc.Send(context.Background(), f.sendInput()); err == nil {
		t.Fatal("expected error sending to opted-out contact, got nil")
	}
}

func TestMessageService_SyncDeliveryStatus(t *testing.T) {
	f := newMessageFixture(100)
	ctx := context.Background()

	campaign := &models.Campaign{
		ID:              uuid.New(),
		TenantID:        f.tenantID,
		Status:          models.CampaignStatusRunning,
		TotalRecipients: 5,
	}
	if err := f.campaignRepo.Create(ctx, campaign); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	message := &models.OutboundMessage{
		TenantID:   f.tenantID,
		CampaignID: &campaign.ID,
		ContactID:  f.contact.ID,
		Channel:    models.ChannelSMS,
	}
	if _, err := f.messageRepo.InsertCampaignMessage(ctx, message); err != nil {
		t.Fatalf("InsertCampaignMessage returned error: %v", err)
	}
	if _, err := f.messageRepo.MarkSent(ctx, message.ID, "prov-1", 15000, f.clock.Now()); err != nil {
		t.Fatalf("MarkSent returned error: %v", err)
	}

	update := DeliveryStatusUpdate{ProviderMessageID: "prov-1", Status: models.MessageStatusDelivered}
	if err := f.svc.SyncDeliveryStatus(ctx, update); err != nil {
		t.Fatalf("SyncDeliveryStatus returned error: %v", err)
	}

	// Duplicate receipt is absorbed without double counting.
	if err := f.svc.SyncDeliveryStatus(ctx, update); err != nil {
		t.Fatalf("duplicate SyncDeliveryStatus returned error: %v", err)
	}

	final, _ := f.messageRepo.GetByID(ctx, message.ID)
	if final.Status != models.MessageStatusDelivered {
		t.Errorf("message status = %s, want delivered", final.Status)
	}
	updated, _ := f.campaignRepo.GetByID(ctx, campaign.ID)
	if updated.DeliveredCount != 1 {
		t.Errorf("delivered_count = %d, want 1", updated.DeliveredCount)
	}

	// read after delivered.
	if err := f.svc.SyncDeliveryStatus(ctx, DeliveryStatusUpdate{ProviderMessageID: "prov-1", Status: models.MessageStatusRead}); err != nil {
		t.Fatalf("SyncDeliveryStatus returned error: %v", err)
	}
	updated, _ = f.campaignRepo.GetByID(ctx, campaign.ID)
	if updated.ReadCount != 1 {
		t.Errorf("read_count = %d, want 1", updated.ReadCount)
	}
}

func TestMessageService_SyncDeliveryStatus_UnknownProviderID(t *testing.T) {
	f := newMessageFixture(100)

	err := f.svc.SyncDeliveryStatus(context.Background(), DeliveryStatusUpdate{
		ProviderMessageID: "no-such-id",
		Status:            models.MessageStatusDelivered,
	})
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("error = %v, want not found", err)
	}
}
