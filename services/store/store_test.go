package store

import (
	"context"
	"testing"
	"time"

	"sjsage522/listingworker/internal/crawler"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)

// testListing builds an active listing on a site unique to the calling test
func testListing(site, sourceID string) *crawler.ListingRecord {
	return &crawler.ListingRecord{
		SourceID:          sourceID,
		SourceSite:        site,
		DetailURL:         "https://www.carsensor.net/usedcar/detail/" + sourceID + "/index.html",
		Segment:           "toyota-prado",
		Manufacturer:      "Toyota",
		Model:             "Prado",
		Title:             "トヨタ ランドクルーザープラド 2.7 TX",
		PriceMinor:        3505000,
		ModelYear:         2019,
		OdometerKm:        32000,
		LocationText:      "東京都八王子市",
		Prefecture:        "東京都",
		Availability:      crawler.AvailabilityActive,
		DescriptionStatus: crawler.DescriptionPending,
		LastSeenAt:        t0,
		CreatedAt:         t0,
		UpdatedAt:         t0,
	}
}

func testImages(sourceID string, n int) []crawler.ImageRecord {
	out := make([]crawler.ImageRecord, n)
	for i := range out {
		out[i] = crawler.ImageRecord{
			OriginURL: "https://ccsrpcma.carsensor.net/CSphoto/bkkn/" + sourceID + "/" + string(rune('a'+i)) + ".JPG",
			FileName:  sourceID + "_" + string(rune('a'+i)) + ".jpg",
			Order:     i,
			IsPrimary: i == 0,
		}
	}
	return out
}

// runStoreContract exercises the behavior every Store implementation shares
func runStoreContract(t *testing.T, st Store) {
	ctx := context.Background()

	t.Run("insert and lookup", func(t *testing.T) {
		site := "test-" + uuid.NewString()
		id, err := st.UpsertListing(ctx, testListing(site, "AU1"))
		require.NoError(t, err)
		assert.Positive(t, id)

		got, err := st.LookupListing(ctx, site, "AU1")
		require.NoError(t, err)
		assert.Equal(t, id, got.ID)
		assert.Equal(t, int64(3505000), got.PriceMinor)
		assert.Equal(t, crawler.AvailabilityActive, got.Availability)
		assert.Equal(t, crawler.DescriptionPending, got.DescriptionStatus)

		_, err = st.LookupListing(ctx, site, "AU404")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("updated_at moves only on change", func(t *testing.T) {
		site := "test-" + uuid.NewString()
		id, err := st.UpsertListing(ctx, testListing(site, "AU1"))
		require.NoError(t, err)

		same := testListing(site, "AU1")
		same.LastSeenAt = t0.Add(24 * time.Hour)
		same.UpdatedAt = t0.Add(24 * time.Hour)
		same.CreatedAt = t0.Add(24 * time.Hour)
		again, err := st.UpsertListing(ctx, same)
		require.NoError(t, err)
		assert.Equal(t, id, again)

		got, err := st.LookupListing(ctx, site, "AU1")
		require.NoError(t, err)
		assert.True(t, got.UpdatedAt.Equal(t0), "updated_at %s", got.UpdatedAt)
		assert.True(t, got.CreatedAt.Equal(t0), "created_at %s", got.CreatedAt)
		assert.True(t, got.LastSeenAt.Equal(t0.Add(24*time.Hour)))

		changed := testListing(site, "AU1")
		changed.PriceMinor = 3300000
		changed.LastSeenAt = t0.Add(48 * time.Hour)
		changed.UpdatedAt = t0.Add(48 * time.Hour)
		_, err = st.UpsertListing(ctx, changed)
		require.NoError(t, err)

		got, err = st.LookupListing(ctx, site, "AU1")
		require.NoError(t, err)
		assert.Equal(t, int64(3300000), got.PriceMinor)
		assert.True(t, got.UpdatedAt.Equal(t0.Add(48*time.Hour)))
	})

	t.Run("active ids and sold", func(t *testing.T) {
		site := "test-" + uuid.NewString()
		a, err := st.UpsertListing(ctx, testListing(site, "AU1"))
		require.NoError(t, err)
		b, err := st.UpsertListing(ctx, testListing(site, "AU2"))
		require.NoError(t, err)
		other := testListing(site, "AU3")
		other.Segment = "nissan-skyline"
		_, err = st.UpsertListing(ctx, other)
		require.NoError(t, err)

		active, err := st.GetActiveSourceIDs(ctx, site, "toyota-prado")
		require.NoError(t, err)
		assert.Equal(t, map[string]int64{"AU1": a, "AU2": b}, active)

		soldAt := t0.Add(24 * time.Hour)
		note := NoteEntry("AUTO-DETECTED SOLD", soldAt)
		require.NoError(t, st.MarkSold(ctx, b, soldAt, note))
		// A second mark leaves the note trail untouched
		require.NoError(t, st.MarkSold(ctx, b, soldAt.Add(time.Hour), note))

		got, err := st.LookupListing(ctx, site, "AU2")
		require.NoError(t, err)
		assert.Equal(t, crawler.AvailabilitySold, got.Availability)
		assert.Equal(t, "[AUTO-DETECTED SOLD: 2024-05-02]", got.Notes)
		require.NotNil(t, got.SoldDetectedAt)
		assert.True(t, got.SoldDetectedAt.Equal(soldAt))

		active, err = st.GetActiveSourceIDs(ctx, site, "toyota-prado")
		require.NoError(t, err)
		assert.Equal(t, map[string]int64{"AU1": a}, active)

		relisted := testListing(site, "AU2")
		relisted.Availability = crawler.AvailabilityRelisted
		relisted.Notes = AppendNote(got.Notes, NoteEntry("RELISTED", soldAt.Add(48*time.Hour)))
		_, err = st.UpsertListing(ctx, relisted)
		require.NoError(t, err)

		active, err = st.GetActiveSourceIDs(ctx, site, "toyota-prado")
		require.NoError(t, err)
		assert.Contains(t, active, "AU2")
	})

	t.Run("gallery written once", func(t *testing.T) {
		site := "test-" + uuid.NewString()
		id, err := st.UpsertListing(ctx, testListing(site, "AU1"))
		require.NoError(t, err)

		images := testImages("AU1", 3)
		images = append(images, crawler.ImageRecord{OriginURL: images[1].OriginURL, FileName: "dup.jpg", Order: 3})

		n, err := st.InsertImages(ctx, id, images)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		n, err = st.InsertImages(ctx, id, testImages("AU1", 5))
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		n, err = st.InsertImages(ctx, id, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("descriptions", func(t *testing.T) {
		site := "test-" + uuid.NewString()
		var ids []int64
		for _, sourceID := range []string{"AU1", "AU2", "AU3", "AU4"} {
			id, err := st.UpsertListing(ctx, testListing(site, sourceID))
			require.NoError(t, err)
			ids = append(ids, id)
		}
		require.NoError(t, st.SetDescription(ctx, ids[0], "Well kept Prado."))
		require.NoError(t, st.MarkSold(ctx, ids[3], t0, NoteEntry("AUTO-DETECTED SOLD", t0)))

		pending, err := st.PendingDescriptions(ctx, site, "toyota-prado", 10)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "AU2", pending[0].SourceID)
		assert.Equal(t, "AU3", pending[1].SourceID)

		pending, err = st.PendingDescriptions(ctx, site, "toyota-prado", 1)
		require.NoError(t, err)
		assert.Len(t, pending, 1)

		got, err := st.LookupListing(ctx, site, "AU1")
		require.NoError(t, err)
		assert.Equal(t, crawler.DescriptionReady, got.DescriptionStatus)
		assert.Equal(t, "Well kept Prado.", got.Description)

		// A refresh keeps the generated text
		_, err = st.UpsertListing(ctx, testListing(site, "AU1"))
		require.NoError(t, err)
		got, err = st.LookupListing(ctx, site, "AU1")
		require.NoError(t, err)
		assert.Equal(t, "Well kept Prado.", got.Description)
	})

	t.Run("runs", func(t *testing.T) {
		run := &crawler.CrawlRunSummary{
			RunID:     uuid.NewString(),
			Site:      "carsensor",
			Segment:   "toyota-prado",
			Status:    crawler.RunRunning,
			StartedAt: t0,
		}
		require.NoError(t, st.StartRun(ctx, run))
		require.NoError(t, st.StartRun(ctx, run))

		done := t0.Add(time.Minute)
		run.Status = crawler.RunCompleted
		run.Found, run.New, run.Pages = 3, 3, 1
		run.StopReason = crawler.StopShortPage
		run.CompletedAt = &done
		require.NoError(t, st.FinishRun(ctx, run))

		unknown := *run
		unknown.RunID = uuid.NewString()
		assert.Error(t, st.FinishRun(ctx, &unknown))
	})

	t.Run("prune runs", func(t *testing.T) {
		// Far in the past so no other test's run falls before the cutoff
		old := time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)
		done := old.Add(time.Minute)
		finished := &crawler.CrawlRunSummary{
			RunID: uuid.NewString(), Site: "carsensor", Segment: "toyota-prado",
			Status: crawler.RunRunning, StartedAt: old,
		}
		require.NoError(t, st.StartRun(ctx, finished))
		finished.Status = crawler.RunCompleted
		finished.CompletedAt = &done
		require.NoError(t, st.FinishRun(ctx, finished))

		running := &crawler.CrawlRunSummary{
			RunID: uuid.NewString(), Site: "carsensor", Segment: "toyota-prado",
			Status: crawler.RunRunning, StartedAt: old,
		}
		require.NoError(t, st.StartRun(ctx, running))

		pruned, err := st.PruneRuns(ctx, old.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, pruned)

		// The finished run is gone, so finishing it again fails
		assert.Error(t, st.FinishRun(ctx, finished))
		running.Status = crawler.RunCompleted
		running.CompletedAt = &done
		assert.NoError(t, st.FinishRun(ctx, running))

		pruned, err = st.PruneRuns(ctx, old.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, pruned)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestMemoryStoreRunAndImages(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	id, err := st.UpsertListing(ctx, testListing("carsensor", "AU1"))
	require.NoError(t, err)
	_, err = st.InsertImages(ctx, id, testImages("AU1", 2))
	require.NoError(t, err)

	images := st.Images(id)
	require.Len(t, images, 2)
	assert.True(t, images[0].IsPrimary)

	// Lookups return copies
	got, err := st.LookupListing(ctx, "carsensor", "AU1")
	require.NoError(t, err)
	got.Title = "changed"
	got.Images[0].AltText = "changed"
	again, err := st.LookupListing(ctx, "carsensor", "AU1")
	require.NoError(t, err)
	assert.NotEqual(t, "changed", again.Title)
	assert.Len(t, again.Images, 2)

	run := &crawler.CrawlRunSummary{RunID: "run-1", Status: crawler.RunRunning, StartedAt: t0}
	require.NoError(t, st.StartRun(ctx, run))
	stored, ok := st.Run("run-1")
	require.True(t, ok)
	assert.Equal(t, crawler.RunRunning, stored.Status)

	_, ok = st.Run("run-2")
	assert.False(t, ok)
	assert.Equal(t, 1, st.Len())
}

func TestMemoryStoreRejectsAnonymousListing(t *testing.T) {
	_, err := NewMemoryStore().UpsertListing(context.Background(), &crawler.ListingRecord{Title: "no id"})
	assert.Error(t, err)
}

func TestNotes(t *testing.T) {
	at := time.Date(2024, 5, 4, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, "[RELISTED: 2024-05-04]", NoteEntry("RELISTED", at))
	assert.Equal(t, "[RELISTED: 2024-05-04]", AppendNote("", NoteEntry("RELISTED", at)))
	assert.Equal(t, "[A: 2024-05-04] [B: 2024-05-04]", AppendNote("[A: 2024-05-04]", NoteEntry("B", at)))
}
