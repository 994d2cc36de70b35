package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mifumohq/dispatch/internal/models"
	"github.com/mifumohq/dispatch/internal/queue"
	"github.com/mifumohq/dispatch/internal/repository"
)

// In-memory repository fakes shared by the service tests. They implement
// the same gated-update semantics as the SQL layer so lifecycle races can
// be exercised without a database.

type mockContactRepo struct {
	mu       sync.Mutex
	contacts map[uuid.UUID]*models.Contact
}

func newMockContactRepo(contacts ...*models.Contact) *mockContactRepo {
	repo := &mockContactRepo{contacts: make(map[uuid.UUID]*models.Contact)}
	for _, contact := range contacts {
		repo.contacts[contact.ID] = contact
	}
	return repo
}

func (m *mockContactRepo) Create(_ context.Context, contact *models.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if contact.ID == uuid.Nil {
		contact.ID = uuid.New()
	}
	m.contacts[contact.ID] = contact
	return nil
}

func (m *mockContactRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	contact, ok := m.contacts[id]
	if !ok {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("contact %s not found", id))
	}
	return contact, nil
}

func (m *mockContactRepo) GetByIDs(_ context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]*models.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := []*models.Contact{}
	for _, id := range ids {
		if contact, ok := m.contacts[id]; ok && contact.TenantID == tenantID {
			result = append(result, contact)
		}
	}
	return result, nil
}

func (m *mockContactRepo) GetByPhone(_ context.Context, tenantID uuid.UUID, phone string) (*models.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, contact := range m.contacts {
		if contact.TenantID == tenantID && contact.PhoneE164 == phone {
			return contact, nil
		}
	}
	return nil, models.ErrNotFoundWithMsg("contact not found")
}

func (m *mockContactRepo) List(_ context.Context, filter models.ContactListFilter) ([]*models.Contact, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := []*models.Contact{}
	for _, contact := range m.contacts {
		if contact.TenantID == filter.TenantID {
			result = append(result, contact)
		}
	}
	return result, int64(len(result)), nil
}

func (m *mockContactRepo) Update(_ context.Context, contact *models.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[contact.ID] = contact
	return nil
}

func (m *mockContactRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.contacts, id)
	return nil
}

func (m *mockContactRepo) MatchFilter(_ context.Context, tenantID uuid.UUID, filter *models.ContactFilter) ([]*models.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := []*models.Contact{}
	for _, contact := range m.contacts {
		if contact.TenantID == tenantID && contact.IsActive && contact.Matches(filter) {
			result = append(result, contact)
		}
	}
	return result, nil
}

func (m *mockContactRepo) CountFilter(ctx context.Context, tenantID uuid.UUID, filter *models.ContactFilter) (int64, error) {
	contacts, err := m.MatchFilter(ctx, tenantID, filter)
	return int64(len(contacts)), err
}

func (m *mockContactRepo) SetOptIn(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	contact, ok := m.contacts[id]
	if !ok {
		return models.ErrNotFoundWithMsg("contact not found")
	}
	contact.OptInAt = &at
	contact.OptOutAt = nil
	contact.OptOutReason = ""
	return nil
}

func (m *mockContactRepo) SetOptOut(_ context.Context, id uuid.UUID, at time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	contact, ok := m.contacts[id]
	if !ok {
		return models.ErrNotFoundWithMsg("contact not found")
	}
	contact.OptOutAt = &at
	contact.OptOutReason = reason
	return nil
}

func (m *mockContactRepo) TouchLastContacted(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if contact, ok := m.contacts[id]; ok {
		contact.LastContactedAt = &at
	}
	return nil
}

type mockSegmentRepo struct {
	mu       sync.Mutex
	segments map[uuid.UUID]*models.Segment
}

func newMockSegmentRepo(segments ...*models.Segment) *mockSegmentRepo {
	repo := &mockSegmentRepo{segments: make(map[uuid.UUID]*models.Segment)}
	for _, segment := range segments {
		repo.segments[segment.ID] = segment
	}
	return repo
}

func (m *mockSegmentRepo) Create(_ context.Context, segment *models.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if segment.ID == uuid.Nil {
		segment.ID = uuid.New()
	}
	m.segments[segment.ID] = segment
	return nil
}

func (m *mockSegmentRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	segment, ok := m.segments[id]
	if !ok {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("segment %s not found", id))
	}
	return segment, nil
}

func (m *mockSegmentRepo) List(_ context.Context, filter models.SegmentListFilter) ([]*models.Segment, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := []*models.Segment{}
	for _, segment := range m.segments {
		if segment.TenantID == filter.TenantID {
			result = append(result, segment)
		}
	}
	return result, int64(len(result)), nil
}

func (m *mockSegmentRepo) Update(_ context.Context, segment *models.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segments[segment.ID] = segment
	return nil
}

func (m *mockSegmentRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.segments, id)
	return nil
}

func (m *mockSegmentRepo) UpdateContactCount(_ context.Context, id uuid.UUID, count int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if segment, ok := m.segments[id]; ok {
		segment.ContactCount = count
	}
	return nil
}

type mockCampaignRepo struct {
	mu        sync.Mutex
	campaigns map[uuid.UUID]*models.Campaign
}

func newMockCampaignRepo(campaigns ...*models.Campaign) *mockCampaignRepo {
	repo := &mockCampaignRepo{campaigns: make(map[uuid.UUID]*models.Campaign)}
	for _, campaign := range campaigns {
		repo.campaigns[campaign.ID] = campaign
	}
	return repo
}

func (m *mockCampaignRepo) Create(_ context.Context, campaign *models.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if campaign.ID == uuid.Nil {
		campaign.ID = uuid.New()
	}
	m.campaigns[campaign.ID] = campaign
	return nil
}

func (m *mockCampaignRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	campaign, ok := m.campaigns[id]
	if !ok {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("campaign %s not found", id))
	}
	snapshot := *campaign
	return &snapshot, nil
}

func (m *mockCampaignRepo) List(_ context.Context, filter models.CampaignFilter) ([]*models.Campaign, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := []*models.Campaign{}
	for _, campaign := range m.campaigns {
		if campaign.TenantID == filter.TenantID {
			result = append(result, campaign)
		}
	}
	return result, int64(len(result)), nil
}

func (m *mockCampaignRepo) Update(_ context.Context, campaign *models.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.campaigns[campaign.ID]
	if !ok || !current.CanEdit() {
		return models.ErrConflictWithMsg("campaign is not editable")
	}
	m.campaigns[campaign.ID] = campaign
	return nil
}

func (m *mockCampaignRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.campaigns, id)
	return nil
}

func (m *mockCampaignRepo) TransitionStatus(_ context.Context, id uuid.UUID, from []string, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	campaign, ok := m.campaigns[id]
	if !ok {
		return false, nil
	}
	for _, status := range from {
		if campaign.Status == status {
			campaign.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (m *mockCampaignRepo) MarkRunning(_ context.Context, id uuid.UUID, totalRecipients int64, startedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	campaign, ok := m.campaigns[id]
	if !ok {
		return false, nil
	}
	switch campaign.Status {
	case models.CampaignStatusDraft, models.CampaignStatusScheduled, models.CampaignStatusPaused:
		campaign.Status = models.CampaignStatusRunning
		campaign.TotalRecipients = totalRecipients
		campaign.StartedAt = &startedAt
		return true, nil
	}
	return false, nil
}

func (m *mockCampaignRepo) IncrementCounter(_ context.Context, id uuid.UUID, counter string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	campaign, ok := m.campaigns[id]
	if !ok {
		return models.ErrNotFoundWithMsg("campaign not found")
	}
	switch counter {
	case repository.CounterSent:
		campaign.SentCount++
	case repository.CounterDelivered:
		campaign.DeliveredCount++
	case repository.CounterRead:
		campaign.ReadCount++
	case repository.CounterFailed:
		campaign.FailedCount++
	default:
		return fmt.Errorf("unknown campaign counter %q", counter)
	}
	return nil
}

func (m *mockCampaignRepo) AddActualCost(_ context.Context, id uuid.UUID, costMicro int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if campaign, ok := m.campaigns[id]; ok {
		campaign.ActualCostMicro += costMicro
	}
	return nil
}

func (m *mockCampaignRepo) CompleteIfDone(_ context.Context, id uuid.UUID, completedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	campaign, ok := m.campaigns[id]
	if !ok {
		return false, nil
	}
	if campaign.Status == models.CampaignStatusRunning &&
		campaign.SentCount+campaign.FailedCount >= campaign.TotalRecipients {
		campaign.Status = models.CampaignStatusCompleted
		campaign.CompletedAt = &completedAt
		return true, nil
	}
	return false, nil
}

func (m *mockCampaignRepo) ListDueScheduled(_ context.Context, now time.Time, limit int) ([]*models.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := []*models.Campaign{}
	for _, campaign := range m.campaigns {
		if campaign.Status == models.CampaignStatusScheduled &&
			campaign.ScheduledAt != nil && !campaign.ScheduledAt.After(now) {
			result = append(result, campaign)
			if len(result) == limit {
				break
			}
		}
	}
	return result, nil
}

type mockMessageRepo struct {
	mu       sync.Mutex
	messages map[uuid.UUID]*models.OutboundMessage
}

func newMockMessageRepo() *mockMessageRepo {
	return &mockMessageRepo{messages: make(map[uuid.UUID]*models.OutboundMessage)}
}

func (m *mockMessageRepo) InsertCampaignMessage(_ context.Context, message *models.OutboundMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.messages {
		if existing.CampaignID != nil && message.CampaignID != nil &&
			*existing.CampaignID == *message.CampaignID && existing.ContactID == message.ContactID {
			return false, nil
		}
	}
	if message.ID == uuid.Nil {
		message.ID = uuid.New()
	}
	message.Status = models.MessageStatusQueued
	m.messages[message.ID] = message
	return true, nil
}

func (m *mockMessageRepo) Create(_ context.Context, message *models.OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if message.ID == uuid.Nil {
		message.ID = uuid.New()
	}
	message.Status = models.MessageStatusQueued
	m.messages[message.ID] = message
	return nil
}

func (m *mockMessageRepo) GetByID(_ context.Context, id uuid.UUID) (*models.OutboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	message, ok := m.messages[id]
	if !ok {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("outbound message %s not found", id))
	}
	snapshot := *message
	return &snapshot, nil
}

func (m *mockMessageRepo) GetByProviderMessageID(_ context.Context, providerMessageID string) (*models.OutboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, message := range m.messages {
		if message.ProviderMessageID == providerMessageID {
			snapshot := *message
			return &snapshot, nil
		}
	}
	return nil, models.ErrNotFoundWithMsg("message not found")
}

func (m *mockMessageRepo) List(_ context.Context, filter models.OutboundMessageFilter) ([]*models.OutboundMessage, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := []*models.OutboundMessage{}
	for _, message := range m.messages {
		if message.TenantID != filter.TenantID {
			continue
		}
		if filter.CampaignID != uuid.Nil && (message.CampaignID == nil || *message.CampaignID != filter.CampaignID) {
			continue
		}
		if filter.Status != "" && message.Status != filter.Status {
			continue
		}
		result = append(result, message)
	}
	return result, int64(len(result)), nil
}

func (m *mockMessageRepo) MarkSent(_ context.Context, id uuid.UUID, providerMessageID string, costMicro int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	message, ok := m.messages[id]
	if !ok || message.Status != models.MessageStatusQueued {
		return false, nil
	}
	message.Status = models.MessageStatusSent
	message.ProviderMessageID = providerMessageID
	message.CostMicro = costMicro
	message.SentAt = &at
	return true, nil
}

func (m *mockMessageRepo) MarkFailed(_ context.Context, id uuid.UUID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	message, ok := m.messages[id]
	if !ok || message.Status != models.MessageStatusQueued {
		return false, nil
	}
	message.Status = models.MessageStatusFailed
	message.LastError = &reason
	return true, nil
}

func (m *mockMessageRepo) MarkDelivered(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	message, ok := m.messages[id]
	if !ok || message.Status != models.MessageStatusSent {
		return false, nil
	}
	message.Status = models.MessageStatusDelivered
	message.DeliveredAt = &at
	return true, nil
}

func (m *mockMessageRepo) MarkRead(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	message, ok := m.messages[id]
	if !ok || (message.Status != models.MessageStatusSent && message.Status != models.MessageStatusDelivered) {
		return false, nil
	}
	message.Status = models.MessageStatusRead
	message.ReadAt = &at
	if message.DeliveredAt == nil {
		message.DeliveredAt = &at
	}
	return true, nil
}

func (m *mockMessageRepo) MarkFailedFromCallback(_ context.Context, id uuid.UUID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	message, ok := m.messages[id]
	if !ok || (message.Status != models.MessageStatusSent && message.Status != models.MessageStatusDelivered) {
		return false, nil
	}
	message.Status = models.MessageStatusFailed
	message.LastError = &reason
	return true, nil
}

func (m *mockMessageRepo) IncrementRetryCount(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	message, ok := m.messages[id]
	if !ok {
		return models.ErrNotFoundWithMsg("message not found")
	}
	message.RetryCount++
	return nil
}

func (m *mockMessageRepo) ListStuckQueued(_ context.Context, cutoff time.Time, limit int) ([]*models.OutboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := []*models.OutboundMessage{}
	for _, message := range m.messages {
		if message.Status == models.MessageStatusQueued && message.UpdatedAt.Before(cutoff) {
			result = append(result, message)
			if len(result) == limit {
				break
			}
		}
	}
	return result, nil
}

type mockConversationRepo struct {
	mu            sync.Mutex
	conversations map[string]*models.Conversation
}

func newMockConversationRepo() *mockConversationRepo {
	return &mockConversationRepo{conversations: make(map[string]*models.Conversation)}
}

func (m *mockConversationRepo) GetOrCreate(_ context.Context, tenantID, contactID uuid.UUID) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tenantID.String() + "/" + contactID.String()
	if conversation, ok := m.conversations[key]; ok {
		return conversation, nil
	}
	conversation := &models.Conversation{
		ID:        uuid.New(),
		TenantID:  tenantID,
		ContactID: contactID,
	}
	m.conversations[key] = conversation
	return conversation, nil
}

func (m *mockConversationRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conversation := range m.conversations {
		if conversation.ID == id {
			return conversation, nil
		}
	}
	return nil, models.ErrNotFoundWithMsg("conversation not found")
}

func (m *mockConversationRepo) Touch(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conversation := range m.conversations {
		if conversation.ID == id {
			conversation.MessageCount++
			conversation.LastMessageAt = &at
			return nil
		}
	}
	return models.ErrNotFoundWithMsg("conversation not found")
}

type mockQueue struct {
	mu      sync.Mutex
	ready   []*models.SendTask
	delayed []delayedTask
}

type delayedTask struct {
	task  *models.SendTask
	delay time.Duration
}

func newMockQueue() *mockQueue {
	return &mockQueue{}
}

func (m *mockQueue) Publish(_ context.Context, task *models.SendTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = append(m.ready, task)
	return nil
}

func (m *mockQueue) PublishIn(_ context.Context, task *models.SendTask, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delayed = append(m.delayed, delayedTask{task: task, delay: delay})
	return nil
}

func (m *mockQueue) PromoteDue(context.Context) (int64, error) { return 0, nil }

func (m *mockQueue) Consume(context.Context, queue.TaskHandler, int) error { return nil }

func (m *mockQueue) Close() error                 { return nil }
func (m *mockQueue) Health(context.Context) error { return nil }

func (m *mockQueue) readyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ready)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
