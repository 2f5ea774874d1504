package ingest

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/whatsapp-web-enhancement/reply-service/internal/models"
	"github.com/whatsapp-web-enhancement/reply-service/internal/repository"
	"github.com/whatsapp-web-enhancement/reply-service/internal/secrets"
)

const (
	testRawURL = "https://replies.example.com/whatsapp"
	testConvID = "conv-123"
)

type fakeLookup struct {
	records map[string]*models.ConversationRecord
}

func (f *fakeLookup) LookupByParticipants(_ context.Context, companyIdentifier, userIdentifier string) (*models.ConversationRecord, error) {
	record, ok := f.records[companyIdentifier+"|"+userIdentifier]
	if !ok {
		return nil, repository.ErrConversationNotFound
	}
	return record, nil
}

type fakeStager struct {
	mu        sync.Mutex
	fragments map[string]*models.StagedFragment
	err       error
}

func (f *fakeStager) Put(_ context.Context, fragment *models.StagedFragment) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fragments == nil {
		f.fragments = map[string]*models.StagedFragment{}
	}
	f.fragments[fragment.ConversationID+"|"+fragment.MessageSID] = fragment
	return nil
}

type fakeLocker struct {
	mu    sync.Mutex
	held  map[string]bool
	calls int
}

func (f *fakeLocker) TryAcquire(_ context.Context, conversationID string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.held == nil {
		f.held = map[string]bool{}
	}
	if f.held[conversationID] {
		return false, nil
	}
	f.held[conversationID] = true
	return true, nil
}

type fakeScheduler struct {
	mu       sync.Mutex
	triggers []*models.TriggerMessage
	channels []string
	delays   []time.Duration
}

func (f *fakeScheduler) Enqueue(_ context.Context, trigger *models.TriggerMessage, channel string, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, trigger)
	f.channels = append(f.channels, channel)
	f.delays = append(f.delays, delay)
	return nil
}

type fakeSecrets struct {
	creds map[string]*secrets.ChannelCredentials
}

func (f *fakeSecrets) ChannelCredentials(ref string) (*secrets.ChannelCredentials, error) {
	creds, ok := f.creds[ref]
	if !ok {
		return nil, secrets.ErrCredentialNotFound
	}
	return creds, nil
}

func (f *fakeSecrets) AIAPIKey(string) (string, error) {
	return "", secrets.ErrCredentialNotFound
}

type coordinatorFixture struct {
	coordinator *Coordinator
	stager      *fakeStager
	locker      *fakeLocker
	scheduler   *fakeScheduler
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()

	lookup := &fakeLookup{records: map[string]*models.ConversationRecord{
		"+14155238886|+447700900123": {
			ConversationID: testConvID,
			PrimaryChannel: "+447700900123",
			ChannelConfig:  models.ChannelConfig{CredentialRef: "acme-main"},
		},
	}}
	secretResolver := &fakeSecrets{creds: map[string]*secrets.ChannelCredentials{
		"acme-main": {AccountSID: "AC123", AuthToken: testSecret},
	}}

	stager := &fakeStager{}
	locker := &fakeLocker{}
	scheduler := &fakeScheduler{}

	coordinator := NewCoordinator(
		NewPayloadAdapter(),
		NewConversationResolver(lookup),
		NewSignatureVerifier(),
		secretResolver,
		stager,
		locker,
		scheduler,
		10*time.Second,
		70*time.Second,
		24*time.Hour,
		zap.NewNop(),
	)

	return &coordinatorFixture{
		coordinator: coordinator,
		stager:      stager,
		locker:      locker,
		scheduler:   scheduler,
	}
}

func signedForm(t *testing.T) (url.Values, string) {
	t.Helper()
	form := testForm()
	return form, ComputeSignature(testRawURL, form, testSecret)
}

func TestIngestHappyPath(t *testing.T) {
	f := newCoordinatorFixture(t)
	form, signature := signedForm(t)

	err := f.coordinator.Ingest(context.Background(), models.ChannelWhatsApp, testRawURL, form, signature)
	require.NoError(t, err)

	// Fragment staged under the resolved conversation
	staged := f.stager.fragments[testConvID+"|SM123"]
	require.NotNil(t, staged)
	assert.Equal(t, "hello there", staged.Body)
	assert.Equal(t, "+447700900123", staged.PrimaryChannel)

	// Exactly one trigger, delayed by the batch window
	require.Len(t, f.scheduler.triggers, 1)
	assert.Equal(t, testConvID, f.scheduler.triggers[0].ConversationID)
	assert.Equal(t, models.ChannelWhatsApp, f.scheduler.channels[0])
	assert.Equal(t, 10*time.Second, f.scheduler.delays[0])
}

func TestIngestSecondFragmentInBurstSkipsScheduling(t *testing.T) {
	f := newCoordinatorFixture(t)

	form1, sig1 := signedForm(t)
	require.NoError(t, f.coordinator.Ingest(context.Background(), models.ChannelWhatsApp, testRawURL, form1, sig1))

	form2 := testForm()
	form2.Set("MessageSid", "SM124")
	form2.Set("Body", "second part")
	sig2 := ComputeSignature(testRawURL, form2, testSecret)
	require.NoError(t, f.coordinator.Ingest(context.Background(), models.ChannelWhatsApp, testRawURL, form2, sig2))

	// Both fragments staged, one trigger scheduled
	assert.Len(t, f.stager.fragments, 2)
	assert.Len(t, f.scheduler.triggers, 1)
}

func TestIngestDuplicateWebhookIsIdempotent(t *testing.T) {
	f := newCoordinatorFixture(t)
	form, signature := signedForm(t)

	require.NoError(t, f.coordinator.Ingest(context.Background(), models.ChannelWhatsApp, testRawURL, form, signature))
	require.NoError(t, f.coordinator.Ingest(context.Background(), models.ChannelWhatsApp, testRawURL, form, signature))

	assert.Len(t, f.stager.fragments, 1)
	assert.Len(t, f.scheduler.triggers, 1)
}

func TestIngestRejectsInvalidSignature(t *testing.T) {
	f := newCoordinatorFixture(t)
	form := testForm()

	err := f.coordinator.Ingest(context.Background(), models.ChannelWhatsApp, testRawURL, form, "bm90LWEtc2lnbmF0dXJl")
	assert.True(t, errors.Is(err, ErrSignatureInvalid))

	// Nothing staged, nothing scheduled
	assert.Empty(t, f.stager.fragments)
	assert.Empty(t, f.scheduler.triggers)
	assert.Zero(t, f.locker.calls)
}

func TestIngestRejectsUnknownSender(t *testing.T) {
	f := newCoordinatorFixture(t)

	form := testForm()
	form.Set("From", "+15550000000")
	signature := ComputeSignature(testRawURL, form, testSecret)

	err := f.coordinator.Ingest(context.Background(), models.ChannelWhatsApp, testRawURL, form, signature)
	assert.True(t, errors.Is(err, repository.ErrConversationNotFound))
	assert.Empty(t, f.stager.fragments)
	assert.Empty(t, f.scheduler.triggers)
}

func TestIngestRejectsMalformedPayload(t *testing.T) {
	f := newCoordinatorFixture(t)

	form := testForm()
	form.Del("MessageSid")
	signature := ComputeSignature(testRawURL, form, testSecret)

	err := f.coordinator.Ingest(context.Background(), models.ChannelWhatsApp, testRawURL, form, signature)
	assert.True(t, errors.Is(err, ErrPayloadMalformed))
	assert.Empty(t, f.stager.fragments)
}

func TestIngestStagesBeforeScheduling(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.stager.err = errors.New("redis down")

	form, signature := signedForm(t)
	err := f.coordinator.Ingest(context.Background(), models.ChannelWhatsApp, testRawURL, form, signature)
	require.Error(t, err)

	// A failed staging never schedules a trigger the processor would
	// wake for and find empty
	assert.Empty(t, f.scheduler.triggers)
	assert.Zero(t, f.locker.calls)
}
