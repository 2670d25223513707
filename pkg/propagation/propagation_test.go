package propagation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"pgregory.net/rapid"

	"github.com/domika-dev/template-registry/pkg/fields"
	"github.com/domika-dev/template-registry/pkg/registry"
	"github.com/domika-dev/template-registry/pkg/sites"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, registry.NewStore(db).AutoMigrate())
	require.NoError(t, sites.NewSiteStore(db).AutoMigrate())
	require.NoError(t, NewDeliveryStore(db).AutoMigrate())
	return db
}

func registerSubscriber(t *testing.T, db *gorm.DB, url string) {
	t.Helper()
	store := sites.NewSiteStore(db)
	_, err := store.Register(url, "Subscriber", "admin@subscriber.test", "dmk_test_key")
	require.NoError(t, err)
}

func mintVersions(t *testing.T, db *gorm.DB, code string, n int) []*registry.Entry {
	t.Helper()
	store := registry.NewStore(db)
	var entries []*registry.Entry
	for i := 0; i < n; i++ {
		entry, err := store.Mint(registry.MintSpec{
			TemplateCode:    code,
			TemplateName:    "Salón de Eventos",
			TemplateContent: "Capacidad: {{ event_capacity }}",
			Fields: []fields.Definition{
				{FieldName: "event_capacity", FieldType: fields.TypeInt, IsRequired: true},
			},
		})
		require.NoError(t, err)
		entries = append(entries, entry)
	}
	return entries
}

func enqueue(t *testing.T, db *gorm.DB, entries ...*registry.Entry) {
	t.Helper()
	store := NewDeliveryStore(db)
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		for _, e := range entries {
			if err := store.EnqueueEntry(tx, e); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestEnqueueFansOutToActiveSubscribers(t *testing.T) {
	db := newTestDB(t)
	registerSubscriber(t, db, "https://condo1.test.com")
	registerSubscriber(t, db, "https://condo2.test.com")

	// Inactive and non-subscriber sites are skipped.
	siteStore := sites.NewSiteStore(db)
	_, err := siteStore.Register("https://observer.test.com", "Observer", "", "dmk_test_key")
	require.NoError(t, err)
	require.NoError(t, siteStore.SetSubscriber("https://observer.test.com", false))
	registerSubscriber(t, db, "https://gone.test.com")
	require.NoError(t, siteStore.Deactivate("https://gone.test.com"))

	entries := mintVersions(t, db, "EVENT_HALL", 1)
	enqueue(t, db, entries[0])

	deliveries, err := NewDeliveryStore(db).List(DeliveryFilter{})
	require.NoError(t, err)
	require.Len(t, deliveries, 2)
	assert.Equal(t, "https://condo1.test.com", deliveries[0].SubscriberSiteURL)
	assert.Equal(t, "https://condo2.test.com", deliveries[1].SubscriberSiteURL)
	for _, d := range deliveries {
		assert.Equal(t, string(StatusPending), d.Status)
	}
}

func TestClaimRespectsVersionOrder(t *testing.T) {
	db := newTestDB(t)
	registerSubscriber(t, db, "https://condo1.test.com")
	store := NewDeliveryStore(db)

	entries := mintVersions(t, db, "EVENT_HALL", 2)
	enqueue(t, db, entries[0], entries[1])

	first, err := store.Claim()
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, 1, first.Version)

	// v2 stays blocked while v1 is in flight.
	blocked, err := store.Claim()
	require.NoError(t, err)
	assert.Nil(t, blocked)

	require.NoError(t, store.MarkDelivered(first.ID))

	second, err := store.Claim()
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, 2, second.Version)
}

func TestClaimOrdersPerSubscriberIndependently(t *testing.T) {
	db := newTestDB(t)
	registerSubscriber(t, db, "https://condo1.test.com")
	registerSubscriber(t, db, "https://condo2.test.com")
	store := NewDeliveryStore(db)

	entries := mintVersions(t, db, "EVENT_HALL", 1)
	enqueue(t, db, entries[0])

	// Both subscribers' v1 deliveries are claimable concurrently.
	a, err := store.Claim()
	require.NoError(t, err)
	require.NotNil(t, a)
	b, err := store.Claim()
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.NotEqual(t, a.SubscriberSiteURL, b.SubscriberSiteURL)
}

func TestFailBacksOffThenGivesUp(t *testing.T) {
	db := newTestDB(t)
	registerSubscriber(t, db, "https://condo1.test.com")
	store := NewDeliveryStore(db)

	entries := mintVersions(t, db, "EVENT_HALL", 1)
	enqueue(t, db, entries[0])

	d, err := store.Claim()
	require.NoError(t, err)
	require.NotNil(t, d)

	require.NoError(t, store.Fail(d.ID, "connection refused", 2, 2*time.Second))
	got, err := store.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StatusPending), got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "connection refused", got.LastError)
	assert.True(t, got.NextAttemptAt.After(time.Now().UTC().Add(time.Second)))

	// Not claimable until the backoff expires.
	blocked, err := store.Claim()
	require.NoError(t, err)
	assert.Nil(t, blocked)

	// Force the retry due, burn the final attempt.
	require.NoError(t, db.Model(&DeliveryRecord{}).Where("id = ?", d.ID).
		Update("next_attempt_at", time.Now().UTC().Add(-time.Second)).Error)
	d2, err := store.Claim()
	require.NoError(t, err)
	require.NotNil(t, d2)
	require.NoError(t, store.Fail(d2.ID, "connection refused", 2, 2*time.Second))

	got, err = store.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StatusFailed), got.Status)
	assert.Equal(t, 2, got.Attempts)
}

func TestBackoffDoubles(t *testing.T) {
	base := 2 * time.Second
	assert.Equal(t, 2*time.Second, Backoff(base, 1))
	assert.Equal(t, 4*time.Second, Backoff(base, 2))
	assert.Equal(t, 64*time.Second, Backoff(base, 6))
	assert.Equal(t, 24*time.Hour, Backoff(base, 60))
}

func TestRequeueFailedDelivery(t *testing.T) {
	db := newTestDB(t)
	registerSubscriber(t, db, "https://condo1.test.com")
	store := NewDeliveryStore(db)

	entries := mintVersions(t, db, "EVENT_HALL", 1)
	enqueue(t, db, entries[0])

	d, err := store.Claim()
	require.NoError(t, err)
	require.NoError(t, store.Fail(d.ID, "boom", 1, time.Second))

	require.NoError(t, store.Requeue(d.ID))
	got, err := store.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StatusPending), got.Status)
	assert.Zero(t, got.Attempts)
}

func TestReleaseStuckDeliveries(t *testing.T) {
	db := newTestDB(t)
	registerSubscriber(t, db, "https://condo1.test.com")
	store := NewDeliveryStore(db)

	entries := mintVersions(t, db, "EVENT_HALL", 1)
	enqueue(t, db, entries[0])

	d, err := store.Claim()
	require.NoError(t, err)
	stale := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, db.Model(&DeliveryRecord{}).Where("id = ?", d.ID).
		Update("claimed_at", stale).Error)

	released, err := store.ReleaseStuck(10 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	got, err := store.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StatusPending), got.Status)
}

func TestEndToEndDelivery(t *testing.T) {
	senderDB := newTestDB(t)
	receiverDB := newTestDB(t)
	const secret = "shared-network-secret"

	// Receiver side: a real HTTP server applying into its own registry.
	integrator := NewRegistryIntegrator(registry.NewStore(receiverDB), nil)
	router := NewRouter(secret, integrator, nil, nil)
	server := httptest.NewServer(http.StripPrefix("/api/v1/propagation", router))
	defer server.Close()

	registerSubscriber(t, senderDB, server.URL)
	entries := mintVersions(t, senderDB, "EVENT_HALL", 2)
	enqueue(t, senderDB, entries[0], entries[1])

	store := NewDeliveryStore(senderDB)
	transport := NewHTTPTransport(server.Client(), secret, "https://receptor.test.com")
	entryStore := registry.NewStore(senderDB)

	for {
		d, err := store.Claim()
		require.NoError(t, err)
		if d == nil {
			break
		}
		entry, err := entryStore.GetByID(d.EntryID)
		require.NoError(t, err)
		err = transport.Deliver(context.Background(), d.SubscriberSiteURL, PayloadFromEntry(entry))
		require.NoError(t, err)
		require.NoError(t, store.MarkDelivered(d.ID))
	}

	latest, err := registry.NewStore(receiverDB).Latest("EVENT_HALL")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 2, latest.Version)

	// Re-delivering v2 is answered with a conflict and treated as done.
	err = transport.Deliver(context.Background(), server.URL, PayloadFromEntry(entries[1]))
	require.NoError(t, err)
}

func TestReceiveRejectsBadToken(t *testing.T) {
	receiverDB := newTestDB(t)
	integrator := NewRegistryIntegrator(registry.NewStore(receiverDB), nil)
	router := NewRouter("right-secret", integrator, nil, nil)
	server := httptest.NewServer(http.StripPrefix("/api/v1/propagation", router))
	defer server.Close()

	transport := NewHTTPTransport(server.Client(), "wrong-secret", "https://receptor.test.com")
	err := transport.Deliver(context.Background(), server.URL, TemplatePayload{
		TemplateCode: "EVENT_HALL", Version: 1, TemplateName: "Salón",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestIntegratorRejectsVersionGap(t *testing.T) {
	db := newTestDB(t)
	integrator := NewRegistryIntegrator(registry.NewStore(db), nil)

	_, err := integrator.Apply(context.Background(), TemplatePayload{
		TemplateCode: "EVENT_HALL", Version: 3, TemplateName: "Salón",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version gap")
}

func TestWorkerPoolDrainsQueue(t *testing.T) {
	db := newTestDB(t)
	registerSubscriber(t, db, "https://condo1.test.com")
	entries := mintVersions(t, db, "EVENT_HALL", 3)
	enqueue(t, db, entries[0], entries[1], entries[2])

	var mu sync.Mutex
	var seen []int
	transport := transportFunc(func(ctx context.Context, subscriberURL string, payload TemplatePayload) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, payload.Version)
		return nil
	})

	cfg := DefaultWorkerConfig()
	cfg.Concurrency = 2
	cfg.PollInterval = 10 * time.Millisecond
	pool := NewWorkerPool(NewDeliveryStore(db), registry.NewStore(db), transport, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		counts, err := NewDeliveryStore(db).CountByStatus()
		return err == nil && counts[StatusDelivered] == 3
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, seen, "versions must arrive in order")
}

func TestWorkerPoolNotifiesCompletion(t *testing.T) {
	db := newTestDB(t)
	registerSubscriber(t, db, "https://condo1.test.com")
	entries := mintVersions(t, db, "EVENT_HALL", 1)
	enqueue(t, db, entries[0])

	transport := transportFunc(func(context.Context, string, TemplatePayload) error {
		return nil
	})
	notifier := &recordingNotifier{}

	cfg := DefaultWorkerConfig()
	cfg.PollInterval = 10 * time.Millisecond
	pool := NewWorkerPool(NewDeliveryStore(db), registry.NewStore(db), transport, cfg, nil)
	pool.NotifyCompletion(notifier)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		notifier.mu.Lock()
		defer notifier.mu.Unlock()
		return len(notifier.entryIDs) == 1
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	<-done

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.Equal(t, []string{entries[0].ID}, notifier.entryIDs)
}

type recordingNotifier struct {
	mu       sync.Mutex
	entryIDs []string
}

func (n *recordingNotifier) DeliveryCompleted(entryID, contributionRef string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entryIDs = append(n.entryIDs, entryID)
	return nil
}

type transportFunc func(ctx context.Context, subscriberURL string, payload TemplatePayload) error

func (f transportFunc) Deliver(ctx context.Context, subscriberURL string, payload TemplatePayload) error {
	return f(ctx, subscriberURL, payload)
}

// Whatever mix of failures and successes the transport produces, each
// subscriber observes versions in strictly increasing order.
func TestDeliveryOrderUnderRandomFailures(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := registry.NewStore(db).AutoMigrate(); err != nil {
			t.Fatal(err)
		}
		if err := sites.NewSiteStore(db).AutoMigrate(); err != nil {
			t.Fatal(err)
		}
		store := NewDeliveryStore(db)
		if err := store.AutoMigrate(); err != nil {
			t.Fatal(err)
		}

		siteStore := sites.NewSiteStore(db)
		if _, err := siteStore.Register("https://condo1.test.com", "Condo 1", "", "dmk_test_key"); err != nil {
			t.Fatal(err)
		}

		regStore := registry.NewStore(db)
		versions := rapid.IntRange(1, 4).Draw(t, "versions")
		for i := 0; i < versions; i++ {
			entry, err := regStore.Mint(registry.MintSpec{
				TemplateCode: "EVENT_HALL", TemplateName: "Salón",
			})
			if err != nil {
				t.Fatal(err)
			}
			if err := db.Transaction(func(tx *gorm.DB) error {
				return store.EnqueueEntry(tx, entry)
			}); err != nil {
				t.Fatal(err)
			}
		}

		var delivered []int
		for steps := 0; steps < versions*12; steps++ {
			d, err := store.Claim()
			if err != nil {
				t.Fatal(err)
			}
			if d == nil {
				break
			}
			if rapid.Bool().Draw(t, "fail") {
				if err := store.Fail(d.ID, "flaky", 100, 0); err != nil {
					t.Fatal(err)
				}
				continue
			}
			delivered = append(delivered, d.Version)
			if err := store.MarkDelivered(d.ID); err != nil {
				t.Fatal(err)
			}
		}

		for i := 1; i < len(delivered); i++ {
			if delivered[i] <= delivered[i-1] {
				t.Fatalf("out of order delivery: %v", delivered)
			}
		}
	})
}
