package store

import (
	"context"
	stderrors "errors"
	"time"

	"sjsage522/listingworker/internal/crawler"
	"sjsage522/listingworker/logger"
	"sjsage522/listingworker/pkg/errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS listings (
	id                 BIGSERIAL PRIMARY KEY,
	source_site        TEXT        NOT NULL,
	source_id          TEXT        NOT NULL,
	detail_url         TEXT        NOT NULL,
	segment            TEXT        NOT NULL,
	manufacturer       TEXT        NOT NULL DEFAULT '',
	model              TEXT        NOT NULL DEFAULT '',
	title              TEXT        NOT NULL,
	price_minor        BIGINT      NOT NULL DEFAULT 0,
	model_year         INT         NOT NULL,
	odometer_km        INT         NOT NULL DEFAULT 0,
	location_text      TEXT        NOT NULL,
	prefecture         TEXT        NOT NULL DEFAULT '',
	dealer_name        TEXT        NOT NULL DEFAULT '',
	color              TEXT        NOT NULL DEFAULT '',
	transmission       TEXT        NOT NULL DEFAULT '',
	fuel_type          TEXT        NOT NULL DEFAULT '',
	drive_type         TEXT        NOT NULL DEFAULT '',
	displacement       TEXT        NOT NULL DEFAULT '',
	has_repair_history BOOLEAN,
	has_warranty       BOOLEAN,
	availability       TEXT        NOT NULL DEFAULT 'active',
	description        TEXT        NOT NULL DEFAULT '',
	description_status TEXT        NOT NULL DEFAULT 'pending',
	defaulted          TEXT[]      NOT NULL DEFAULT '{}',
	notes              TEXT        NOT NULL DEFAULT '',
	last_seen_at       TIMESTAMPTZ NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	sold_detected_at   TIMESTAMPTZ,
	UNIQUE (source_site, source_id)
);

CREATE INDEX IF NOT EXISTS listings_segment_availability_idx
	ON listings (source_site, segment, availability);

CREATE TABLE IF NOT EXISTS listing_images (
	id          BIGSERIAL PRIMARY KEY,
	listing_id  BIGINT      NOT NULL REFERENCES listings (id),
	origin_url  TEXT        NOT NULL,
	file_name   TEXT        NOT NULL,
	alt_text    TEXT        NOT NULL DEFAULT '',
	image_order INT         NOT NULL,
	is_primary  BOOLEAN     NOT NULL DEFAULT FALSE,
	size_bytes  BIGINT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (listing_id, origin_url)
);

CREATE UNIQUE INDEX IF NOT EXISTS listing_images_primary_idx
	ON listing_images (listing_id) WHERE is_primary;

CREATE TABLE IF NOT EXISTS crawl_runs (
	run_id       TEXT PRIMARY KEY,
	site         TEXT        NOT NULL,
	segment      TEXT        NOT NULL,
	status       TEXT        NOT NULL,
	found        INT         NOT NULL DEFAULT 0,
	new          INT         NOT NULL DEFAULT 0,
	updated      INT         NOT NULL DEFAULT 0,
	relisted     INT         NOT NULL DEFAULT 0,
	sold         INT         NOT NULL DEFAULT 0,
	errors       INT         NOT NULL DEFAULT 0,
	pages        INT         NOT NULL DEFAULT 0,
	stop_reason  TEXT        NOT NULL DEFAULT '',
	error        TEXT        NOT NULL DEFAULT '',
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);
`

const listingColumns = `id, source_site, source_id, detail_url, segment, manufacturer, model,
	title, price_minor, model_year, odometer_km, location_text, prefecture, dealer_name,
	color, transmission, fuel_type, drive_type, displacement, has_repair_history, has_warranty,
	availability, description, description_status, defaulted, notes,
	last_seen_at, created_at, updated_at, sold_detected_at`

// updated_at moves only when one of the compared columns changes
const upsertListing = `
INSERT INTO listings (
	source_site, source_id, detail_url, segment, manufacturer, model,
	title, price_minor, model_year, odometer_km, location_text, prefecture, dealer_name,
	color, transmission, fuel_type, drive_type, displacement, has_repair_history, has_warranty,
	availability, description_status, defaulted, notes,
	last_seen_at, created_at, updated_at, sold_detected_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
	$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28
)
ON CONFLICT (source_site, source_id) DO UPDATE SET
	detail_url         = EXCLUDED.detail_url,
	segment            = EXCLUDED.segment,
	manufacturer       = EXCLUDED.manufacturer,
	model              = EXCLUDED.model,
	title              = EXCLUDED.title,
	price_minor        = EXCLUDED.price_minor,
	model_year         = EXCLUDED.model_year,
	odometer_km        = EXCLUDED.odometer_km,
	location_text      = EXCLUDED.location_text,
	prefecture         = EXCLUDED.prefecture,
	dealer_name        = EXCLUDED.dealer_name,
	color              = EXCLUDED.color,
	transmission       = EXCLUDED.transmission,
	fuel_type          = EXCLUDED.fuel_type,
	drive_type         = EXCLUDED.drive_type,
	displacement       = EXCLUDED.displacement,
	has_repair_history = EXCLUDED.has_repair_history,
	has_warranty       = EXCLUDED.has_warranty,
	availability       = EXCLUDED.availability,
	defaulted          = EXCLUDED.defaulted,
	notes              = EXCLUDED.notes,
	last_seen_at       = GREATEST(listings.last_seen_at, EXCLUDED.last_seen_at),
	sold_detected_at   = EXCLUDED.sold_detected_at,
	updated_at = CASE WHEN (
		listings.detail_url, listings.segment, listings.title, listings.price_minor,
		listings.model_year, listings.odometer_km, listings.location_text, listings.prefecture,
		listings.dealer_name, listings.color, listings.transmission, listings.fuel_type,
		listings.drive_type, listings.displacement, listings.has_repair_history, listings.has_warranty,
		listings.availability, listings.defaulted, listings.notes, listings.sold_detected_at
	) IS DISTINCT FROM (
		EXCLUDED.detail_url, EXCLUDED.segment, EXCLUDED.title, EXCLUDED.price_minor,
		EXCLUDED.model_year, EXCLUDED.odometer_km, EXCLUDED.location_text, EXCLUDED.prefecture,
		EXCLUDED.dealer_name, EXCLUDED.color, EXCLUDED.transmission, EXCLUDED.fuel_type,
		EXCLUDED.drive_type, EXCLUDED.displacement, EXCLUDED.has_repair_history, EXCLUDED.has_warranty,
		EXCLUDED.availability, EXCLUDED.defaulted, EXCLUDED.notes, EXCLUDED.sold_detected_at
	) THEN EXCLUDED.updated_at ELSE listings.updated_at END
RETURNING id`

// PostgresStore implements Store on a pgx connection pool
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to databaseURL and verifies the connection
func NewPostgresStore(ctx context.Context, databaseURL string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.NewStore("connect", "invalid database URL", err)
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.NewStore("connect", "failed to create pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.NewStore("connect", "database unreachable", err)
	}

	logger.ForStore().Info().Int32("max_conns", maxConns).Msg("Connected to Postgres")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return errors.NewStore("migrate", "failed to apply schema", err)
	}
	return nil
}

func (s *PostgresStore) GetActiveSourceIDs(ctx context.Context, site, segment string) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source_id, id FROM listings
		 WHERE source_site = $1 AND segment = $2 AND availability IN ('active', 'relisted')`,
		site, segment)
	if err != nil {
		return nil, errors.NewStore("active_ids", "query failed", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var sourceID string
		var id int64
		if err := rows.Scan(&sourceID, &id); err != nil {
			return nil, errors.NewStore("active_ids", "scan failed", err)
		}
		out[sourceID] = id
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStore("active_ids", "rows failed", err)
	}
	return out, nil
}

func (s *PostgresStore) LookupListing(ctx context.Context, site, sourceID string) (*crawler.ListingRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE source_site = $1 AND source_id = $2`,
		site, sourceID)

	rec, err := scanListing(row)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.NewStore("lookup", "query failed for "+sourceID, err)
	}
	return rec, nil
}

func (s *PostgresStore) UpsertListing(ctx context.Context, r *crawler.ListingRecord) (int64, error) {
	defaulted := r.Defaulted
	if defaulted == nil {
		defaulted = []string{}
	}
	status := r.DescriptionStatus
	if status == "" {
		status = crawler.DescriptionPending
	}

	var id int64
	err := s.pool.QueryRow(ctx, upsertListing,
		r.SourceSite, r.SourceID, r.DetailURL, r.Segment, r.Manufacturer, r.Model,
		r.Title, r.PriceMinor, r.ModelYear, r.OdometerKm, r.LocationText, r.Prefecture, r.DealerName,
		r.Color, r.Transmission, r.FuelType, r.DriveType, r.Displacement, r.HasRepairHistory, r.HasWarranty,
		string(r.Availability), string(status), defaulted, r.Notes,
		r.LastSeenAt, r.CreatedAt, r.UpdatedAt, r.SoldDetectedAt,
	).Scan(&id)
	if err != nil {
		return 0, errors.NewStore("upsert", "failed for "+r.SourceID, err)
	}
	return id, nil
}

func (s *PostgresStore) MarkSold(ctx context.Context, id int64, at time.Time, note string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE listings
		 SET availability = 'sold', sold_detected_at = $2, updated_at = $2,
		     notes = TRIM(notes || ' ' || $3)
		 WHERE id = $1 AND availability <> 'sold'`,
		id, at, note)
	if err != nil {
		return errors.NewStore("mark_sold", "update failed", err)
	}
	return nil
}

// InsertImages writes the whole gallery in one transaction, or nothing when one already exists
func (s *PostgresStore) InsertImages(ctx context.Context, listingID int64, images []crawler.ImageRecord) (int, error) {
	if len(images) == 0 {
		return 0, nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, errors.NewStore("insert_images", "begin failed", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serializes concurrent writers of the same gallery
	var locked int64
	if err := tx.QueryRow(ctx, `SELECT id FROM listings WHERE id = $1 FOR UPDATE`, listingID).Scan(&locked); err != nil {
		return 0, errors.NewStore("insert_images", "listing lock failed", err)
	}

	var existing int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM listing_images WHERE listing_id = $1`, listingID).Scan(&existing); err != nil {
		return 0, errors.NewStore("insert_images", "count failed", err)
	}
	if existing > 0 {
		return 0, nil
	}

	b := &pgx.Batch{}
	for _, img := range images {
		b.Queue(
			`INSERT INTO listing_images
			 (listing_id, origin_url, file_name, alt_text, image_order, is_primary, size_bytes)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (listing_id, origin_url) DO NOTHING`,
			listingID, img.OriginURL, img.FileName, img.AltText, img.Order, img.IsPrimary, img.SizeBytes,
		)
	}

	total := 0
	br := tx.SendBatch(ctx, b)
	for range images {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return 0, errors.NewStore("insert_images", "insert failed", err)
		}
		total += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return 0, errors.NewStore("insert_images", "batch close failed", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, errors.NewStore("insert_images", "commit failed", err)
	}
	return total, nil
}

func (s *PostgresStore) SetDescription(ctx context.Context, id int64, text string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE listings SET description = $2, description_status = 'ready' WHERE id = $1`,
		id, text)
	if err != nil {
		return errors.NewStore("set_description", "update failed", err)
	}
	return nil
}

func (s *PostgresStore) PendingDescriptions(ctx context.Context, site, segment string, limit int) ([]*crawler.ListingRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+listingColumns+` FROM listings
		 WHERE source_site = $1 AND segment = $2 AND description_status = 'pending'
		   AND availability IN ('active', 'relisted')
		 ORDER BY id LIMIT $3`,
		site, segment, limit)
	if err != nil {
		return nil, errors.NewStore("pending_descriptions", "query failed", err)
	}
	defer rows.Close()

	var out []*crawler.ListingRecord
	for rows.Next() {
		rec, err := scanListing(rows)
		if err != nil {
			return nil, errors.NewStore("pending_descriptions", "scan failed", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStore("pending_descriptions", "rows failed", err)
	}
	return out, nil
}

func (s *PostgresStore) StartRun(ctx context.Context, r *crawler.CrawlRunSummary) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO crawl_runs (run_id, site, segment, status, started_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (run_id) DO NOTHING`,
		r.RunID, r.Site, r.Segment, string(r.Status), r.StartedAt)
	if err != nil {
		return errors.NewStore("start_run", "insert failed", err)
	}
	return nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, r *crawler.CrawlRunSummary) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE crawl_runs SET
			status = $2, found = $3, new = $4, updated = $5, relisted = $6, sold = $7,
			errors = $8, pages = $9, stop_reason = $10, error = $11, completed_at = $12
		 WHERE run_id = $1`,
		r.RunID, string(r.Status), r.Found, r.New, r.Updated, r.Relisted, r.Sold,
		r.Errors, r.Pages, r.StopReason, r.Error, r.CompletedAt)
	if err != nil {
		return errors.NewStore("finish_run", "update failed", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NewStore("finish_run", "unknown run "+r.RunID, nil)
	}
	return nil
}

func (s *PostgresStore) PruneRuns(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM crawl_runs WHERE completed_at IS NOT NULL AND started_at < $1`, before)
	if err != nil {
		return 0, errors.NewStore("prune_runs", "delete failed", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanListing(row pgx.Row) (*crawler.ListingRecord, error) {
	var r crawler.ListingRecord
	var availability, descStatus string
	err := row.Scan(
		&r.ID, &r.SourceSite, &r.SourceID, &r.DetailURL, &r.Segment, &r.Manufacturer, &r.Model,
		&r.Title, &r.PriceMinor, &r.ModelYear, &r.OdometerKm, &r.LocationText, &r.Prefecture, &r.DealerName,
		&r.Color, &r.Transmission, &r.FuelType, &r.DriveType, &r.Displacement, &r.HasRepairHistory, &r.HasWarranty,
		&availability, &r.Description, &descStatus, &r.Defaulted, &r.Notes,
		&r.LastSeenAt, &r.CreatedAt, &r.UpdatedAt, &r.SoldDetectedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Availability = crawler.Availability(availability)
	r.DescriptionStatus = crawler.DescriptionStatus(descStatus)
	return &r, nil
}
