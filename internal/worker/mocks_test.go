package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mifumohq/dispatch/internal/models"
	"github.com/mifumohq/dispatch/internal/provider"
	"github.com/mifumohq/dispatch/internal/queue"
	"github.com/mifumohq/dispatch/internal/repository"
)

// In-memory fakes for the processor tests. Status-gated updates mirror the
// SQL semantics so duplicate-task and race behavior can be exercised.

type fakeMessageRepo struct {
	mu       sync.Mutex
	messages map[uuid.UUID]*models.OutboundMessage
}

func newFakeMessageRepo(messages ...*models.OutboundMessage) *fakeMessageRepo {
	repo := &fakeMessageRepo{messages: make(map[uuid.UUID]*models.OutboundMessage)}
	for _, message := range messages {
		if message.ID == uuid.Nil {
			message.ID = uuid.New()
		}
		repo.messages[message.ID] = message
	}
	return repo
}

func (f *fakeMessageRepo) InsertCampaignMessage(_ context.Context, message *models.OutboundMessage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if message.ID == uuid.Nil {
		message.ID = uuid.New()
	}
	message.Status = models.MessageStatusQueued
	f.messages[message.ID] = message
	return true, nil
}

func (f *fakeMessageRepo) Create(ctx context.Context, message *models.OutboundMessage) error {
	_, err := f.InsertCampaignMessage(ctx, message)
	return err
}

func (f *fakeMessageRepo) GetByID(_ context.Context, id uuid.UUID) (*models.OutboundMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	message, ok := f.messages[id]
	if !ok {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("outbound message %s not found", id))
	}
	snapshot := *message
	return &snapshot, nil
}

func (f *fakeMessageRepo) GetByProviderMessageID(_ context.Context, providerMessageID string) (*models.OutboundMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, message := range f.messages {
		if message.ProviderMessageID == providerMessageID {
			snapshot := *message
			return &snapshot, nil
		}
	}
	return nil, models.ErrNotFoundWithMsg("message not found")
}

func (f *fakeMessageRepo) List(_ context.Context, filter models.OutboundMessageFilter) ([]*models.OutboundMessage, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := []*models.OutboundMessage{}
	for _, message := range f.messages {
		if filter.Status != "" && message.Status != filter.Status {
			continue
		}
		result = append(result, message)
	}
	return result, int64(len(result)), nil
}

func (f *fakeMessageRepo) MarkSent(_ context.Context, id uuid.UUID, providerMessageID string, costMicro int64, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	message, ok := f.messages[id]
	if !ok || message.Status != models.MessageStatusQueued {
		return false, nil
	}
	message.Status = models.MessageStatusSent
	message.ProviderMessageID = providerMessageID
	message.CostMicro = costMicro
	message.SentAt = &at
	return true, nil
}

func (f *fakeMessageRepo) MarkFailed(_ context.Context, id uuid.UUID, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	message, ok := f.messages[id]
	if !ok || message.Status != models.MessageStatusQueued {
		return false, nil
	}
	message.Status = models.MessageStatusFailed
	message.LastError = &reason
	return true, nil
}

func (f *fakeMessageRepo) MarkDelivered(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	message, ok := f.messages[id]
	if !ok || message.Status != models.MessageStatusSent {
		return false, nil
	}
	message.Status = models.MessageStatusDelivered
	message.DeliveredAt = &at
	return true, nil
}

func (f *fakeMessageRepo) MarkRead(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	message, ok := f.messages[id]
	if !ok || (message.Status != models.MessageStatusSent && message.Status != models.MessageStatusDelivered) {
		return false, nil
	}
	message.Status = models.MessageStatusRead
	message.ReadAt = &at
	return true, nil
}

func (f *fakeMessageRepo) MarkFailedFromCallback(_ context.Context, id uuid.UUID, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	message, ok := f.messages[id]
	if !ok || (message.Status != models.MessageStatusSent && message.Status != models.MessageStatusDelivered) {
		return false, nil
	}
	message.Status = models.MessageStatusFailed
	message.LastError = &reason
	return true, nil
}

func (f *fakeMessageRepo) IncrementRetryCount(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	message, ok := f.messages[id]
	if !ok {
		return models.ErrNotFoundWithMsg("message not found")
	}
	message.RetryCount++
	return nil
}

func (f *fakeMessageRepo) ListStuckQueued(_ context.Context, cutoff time.Time, limit int) ([]*models.OutboundMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := []*models.OutboundMessage{}
	for _, message := range f.messages {
		if message.Status == models.MessageStatusQueued && message.UpdatedAt.Before(cutoff) {
			result = append(result, message)
			if len(result) == limit {
				break
			}
		}
	}
	return result, nil
}

type fakeCampaignRepo struct {
	mu        sync.Mutex
	campaigns map[uuid.UUID]*models.Campaign
}

func newFakeCampaignRepo(campaigns ...*models.Campaign) *fakeCampaignRepo {
	repo := &fakeCampaignRepo{campaigns: make(map[uuid.UUID]*models.Campaign)}
	for _, campaign := range campaigns {
		if campaign.ID == uuid.Nil {
			campaign.ID = uuid.New()
		}
		repo.campaigns[campaign.ID] = campaign
	}
	return repo
}

func (f *fakeCampaignRepo) Create(_ context.Context, campaign *models.Campaign) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.campaigns[campaign.ID] = campaign
	return nil
}

func (f *fakeCampaignRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	campaign, ok := f.campaigns[id]
	if !ok {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("campaign %s not found", id))
	}
	snapshot := *campaign
	return &snapshot, nil
}

func (f *fakeCampaignRepo) List(context.Context, models.CampaignFilter) ([]*models.Campaign, int64, error) {
	return nil, 0, nil
}

func (f *fakeCampaignRepo) Update(context.Context, *models.Campaign) error { return nil }
func (f *fakeCampaignRepo) Delete(context.Context, uuid.UUID) error        { return nil }

func (f *fakeCampaignRepo) TransitionStatus(_ context.Context, id uuid.UUID, from []string, to string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	campaign, ok := f.campaigns[id]
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

func (f *fakeCampaignRepo) MarkRunning(_ context.Context, id uuid.UUID, totalRecipients int64, startedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	campaign, ok := f.campaigns[id]
	if !ok {
		return false, nil
	}
	campaign.Status = models.CampaignStatusRunning
	campaign.TotalRecipients = totalRecipients
	campaign.StartedAt = &startedAt
	return true, nil
}

func (f *fakeCampaignRepo) IncrementCounter(_ context.Context, id uuid.UUID, counter string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	campaign, ok := f.campaigns[id]
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

func (f *fakeCampaignRepo) AddActualCost(_ context.Context, id uuid.UUID, costMicro int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if campaign, ok := f.campaigns[id]; ok {
		campaign.ActualCostMicro += costMicro
	}
	return nil
}

func (f *fakeCampaignRepo) CompleteIfDone(_ context.Context, id uuid.UUID, completedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	campaign, ok := f.campaigns[id]
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

func (f *fakeCampaignRepo) ListDueScheduled(context.Context, time.Time, int) ([]*models.Campaign, error) {
	return nil, nil
}

type fakeContactRepo struct {
	mu       sync.Mutex
	contacts map[uuid.UUID]*models.Contact
}

func newFakeContactRepo(contacts ...*models.Contact) *fakeContactRepo {
	repo := &fakeContactRepo{contacts: make(map[uuid.UUID]*models.Contact)}
	for _, contact := range contacts {
		if contact.ID == uuid.Nil {
			contact.ID = uuid.New()
		}
		repo.contacts[contact.ID] = contact
	}
	return repo
}

func (f *fakeContactRepo) Create(_ context.Context, contact *models.Contact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contacts[contact.ID] = contact
	return nil
}

func (f *fakeContactRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	contact, ok := f.contacts[id]
	if !ok {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("contact %s not found", id))
	}
	return contact, nil
}

func (f *fakeContactRepo) GetByIDs(_ context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]*models.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := []*models.Contact{}
	for _, id := range ids {
		if contact, ok := f.contacts[id]; ok && contact.TenantID == tenantID {
			result = append(result, contact)
		}
	}
	return result, nil
}

func (f *fakeContactRepo) GetByPhone(context.Context, uuid.UUID, string) (*models.Contact, error) {
	return nil, models.ErrNotFoundWithMsg("contact not found")
}

func (f *fakeContactRepo) List(context.Context, models.ContactListFilter) ([]*models.Contact, int64, error) {
	return nil, 0, nil
}

func (f *fakeContactRepo) Update(context.Context, *models.Contact) error { return nil }
func (f *fakeContactRepo) Delete(context.Context, uuid.UUID) error       { return nil }

func (f *fakeContactRepo) MatchFilter(_ context.Context, tenantID uuid.UUID, filter *models.ContactFilter) ([]*models.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := []*models.Contact{}
	for _, contact := range f.contacts {
		if contact.TenantID == tenantID && contact.IsActive && contact.Matches(filter) {
			result = append(result, contact)
		}
	}
	return result, nil
}

func (f *fakeContactRepo) CountFilter(ctx context.Context, tenantID uuid.UUID, filter *models.ContactFilter) (int64, error) {
	contacts, err := f.MatchFilter(ctx, tenantID, filter)
	return int64(len(contacts)), err
}

func (f *fakeContactRepo) SetOptIn(context.Context, uuid.UUID, time.Time) error { return nil }

func (f *fakeContactRepo) SetOptOut(_ context.Context, id uuid.UUID, at time.Time, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if contact, ok := f.contacts[id]; ok {
		contact.OptOutAt = &at
		contact.OptOutReason = reason
	}
	return nil
}

func (f *fakeContactRepo) TouchLastContacted(_ context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if contact, ok := f.contacts[id]; ok {
		contact.LastContactedAt = &at
	}
	return nil
}

type fakeConversationRepo struct {
	mu            sync.Mutex
	conversations map[uuid.UUID]*models.Conversation
}

func newFakeConversationRepo(conversations ...*models.Conversation) *fakeConversationRepo {
	repo := &fakeConversationRepo{conversations: make(map[uuid.UUID]*models.Conversation)}
	for _, conversation := range conversations {
		repo.conversations[conversation.ID] = conversation
	}
	return repo
}

func (f *fakeConversationRepo) GetOrCreate(_ context.Context, tenantID, contactID uuid.UUID) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conversation := range f.conversations {
		if conversation.TenantID == tenantID && conversation.ContactID == contactID {
			return conversation, nil
		}
	}
	conversation := &models.Conversation{ID: uuid.New(), TenantID: tenantID, ContactID: contactID}
	f.conversations[conversation.ID] = conversation
	return conversation, nil
}

func (f *fakeConversationRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conversation, ok := f.conversations[id]
	if !ok {
		return nil, models.ErrNotFoundWithMsg("conversation not found")
	}
	return conversation, nil
}

func (f *fakeConversationRepo) Touch(_ context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	conversation, ok := f.conversations[id]
	if !ok {
		return models.ErrNotFoundWithMsg("conversation not found")
	}
	conversation.MessageCount++
	conversation.LastMessageAt = &at
	return nil
}

type fakeQueue struct {
	mu      sync.Mutex
	ready   []*models.SendTask
	delayed []fakeDelayed
}

type fakeDelayed struct {
	task  *models.SendTask
	delay time.Duration
}

func newFakeQueue() *fakeQueue { return &fakeQueue{} }

func (f *fakeQueue) Publish(_ context.Context, task *models.SendTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = append(f.ready, task)
	return nil
}

func (f *fakeQueue) PublishIn(_ context.Context, task *models.SendTask, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delayed = append(f.delayed, fakeDelayed{task: task, delay: delay})
	return nil
}

func (f *fakeQueue) PromoteDue(context.Context) (int64, error)             { return 0, nil }
func (f *fakeQueue) Consume(context.Context, queue.TaskHandler, int) error { return nil }
func (f *fakeQueue) Close() error                                          { return nil }
func (f *fakeQueue) Health(context.Context) error                          { return nil }

func (f *fakeQueue) delayedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delayed)
}

// scriptedProvider returns a scripted sequence of results, then repeats the
// last one.
type scriptedProvider struct {
	mu      sync.Mutex
	results []provider.SendResult
	calls   int
}

func newScriptedProvider(results ...provider.SendResult) *scriptedProvider {
	return &scriptedProvider{results: results}
}

func (s *scriptedProvider) Name() string { return "scripted" }

func (s *scriptedProvider) Send(_ context.Context, _ provider.SendRequest) provider.SendResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	index := s.calls
	if index >= len(s.results) {
		index = len(s.results) - 1
	}
	s.calls++
	return s.results[index]
}

func (s *scriptedProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func sendOK(providerMessageID string, costMicro int64) provider.SendResult {
	return provider.SendResult{Success: true, ProviderMessageID: providerMessageID, CostMicro: costMicro}
}

func sendRetryable(err error) provider.SendResult {
	return provider.SendResult{Retryable: true, Err: err}
}

func sendPermanent(err error) provider.SendResult {
	return provider.SendResult{Retryable: false, Err: err}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
