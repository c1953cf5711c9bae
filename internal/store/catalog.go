package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/clubfridge/kiosk/internal/ledger"
)

// CatalogMeta describes the stored catalog generation.
type CatalogMeta struct {
	Generation  uint64
	Fingerprint uint64
	RefreshedAt time.Time
}

// Catalog is the complete stored catalog.
type Catalog struct {
	Articles []ledger.Article
	Members  []ledger.Member
	Meta     CatalogMeta
}

// ReplaceCatalog swaps the stored articles and members for the given sets in
// a single transaction. Readers see either the old or the new catalog.
func (s *Store) ReplaceCatalog(ctx context.Context, articles []ledger.Article, members []ledger.Member, meta CatalogMeta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace catalog: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM articles`); err != nil {
		return fmt.Errorf("replace catalog: clear articles: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM members`); err != nil {
		return fmt.Errorf("replace catalog: clear members: %w", err)
	}

	articleStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO articles (id, designation, prices) VALUES (?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("replace catalog: prepare articles: %w", err)
	}
	defer articleStmt.Close()

	for _, a := range articles {
		prices, err := marshalPrices(a.Prices)
		if err != nil {
			return fmt.Errorf("replace catalog: article %s: %w", a.ID, err)
		}
		if _, err := articleStmt.ExecContext(ctx, a.ID, a.Designation, prices); err != nil {
			return fmt.Errorf("replace catalog: insert article %s: %w", a.ID, err)
		}
	}

	memberStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO members (keycode, id, firstname, lastname, nickname, tier)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("replace catalog: prepare members: %w", err)
	}
	defer memberStmt.Close()

	for _, m := range members {
		if _, err := memberStmt.ExecContext(ctx, m.Keycode, m.ID, m.Firstname, m.Lastname, m.Nickname, m.Tier); err != nil {
			return fmt.Errorf("replace catalog: insert member %s: %w", m.Keycode, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO catalog_meta (singleton, generation, fingerprint, refreshed_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(singleton) DO UPDATE SET
			generation = excluded.generation,
			fingerprint = excluded.fingerprint,
			refreshed_at = excluded.refreshed_at
	`, int64(meta.Generation), strconv.FormatUint(meta.Fingerprint, 16), formatTime(meta.RefreshedAt))
	if err != nil {
		return fmt.Errorf("replace catalog: write meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace catalog: commit: %w", err)
	}
	return nil
}

// LoadCatalog reads the complete stored catalog in one read transaction.
// Articles are ordered by id, members by keycode. An empty database returns
// an empty catalog with a zero Meta.
func (s *Store) LoadCatalog(ctx context.Context) (Catalog, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Catalog{}, fmt.Errorf("load catalog: begin tx: %w", err)
	}
	defer tx.Rollback()

	cat := Catalog{Articles: []ledger.Article{}, Members: []ledger.Member{}}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, designation, prices FROM articles ORDER BY id COLLATE BINARY ASC
	`)
	if err != nil {
		return Catalog{}, fmt.Errorf("load catalog: query articles: %w", err)
	}
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			rows.Close()
			return Catalog{}, fmt.Errorf("load catalog: %w", err)
		}
		cat.Articles = append(cat.Articles, a)
	}
	if err := rows.Close(); err != nil {
		return Catalog{}, fmt.Errorf("load catalog: close articles: %w", err)
	}
	if err := rows.Err(); err != nil {
		return Catalog{}, fmt.Errorf("load catalog: iterate articles: %w", err)
	}

	rows, err = tx.QueryContext(ctx, `
		SELECT keycode, id, firstname, lastname, nickname, tier
		FROM members ORDER BY keycode COLLATE BINARY ASC
	`)
	if err != nil {
		return Catalog{}, fmt.Errorf("load catalog: query members: %w", err)
	}
	for rows.Next() {
		var m ledger.Member
		if err := rows.Scan(&m.Keycode, &m.ID, &m.Firstname, &m.Lastname, &m.Nickname, &m.Tier); err != nil {
			rows.Close()
			return Catalog{}, fmt.Errorf("load catalog: scan member: %w", err)
		}
		cat.Members = append(cat.Members, m)
	}
	if err := rows.Close(); err != nil {
		return Catalog{}, fmt.Errorf("load catalog: close members: %w", err)
	}
	if err := rows.Err(); err != nil {
		return Catalog{}, fmt.Errorf("load catalog: iterate members: %w", err)
	}

	meta, err := readCatalogMeta(ctx, tx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Catalog{}, fmt.Errorf("load catalog: %w", err)
	}
	cat.Meta = meta

	return cat, nil
}

// ReadCatalogMeta returns the stored catalog generation or ErrNotFound if no
// catalog was ever stored.
func (s *Store) ReadCatalogMeta(ctx context.Context) (CatalogMeta, error) {
	return readCatalogMeta(ctx, s.db)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readCatalogMeta(ctx context.Context, q queryRower) (CatalogMeta, error) {
	var (
		generation  int64
		fingerprint string
		refreshedAt string
	)
	err := q.QueryRowContext(ctx, `
		SELECT generation, fingerprint, refreshed_at FROM catalog_meta WHERE singleton = 1
	`).Scan(&generation, &fingerprint, &refreshedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CatalogMeta{}, fmt.Errorf("read catalog meta: %w", ErrNotFound)
	}
	if err != nil {
		return CatalogMeta{}, fmt.Errorf("read catalog meta: %w", err)
	}

	fp, err := strconv.ParseUint(fingerprint, 16, 64)
	if err != nil {
		return CatalogMeta{}, fmt.Errorf("read catalog meta: fingerprint: %w", err)
	}
	at, err := parseTime(refreshedAt)
	if err != nil {
		return CatalogMeta{}, fmt.Errorf("read catalog meta: %w", err)
	}
	return CatalogMeta{Generation: uint64(generation), Fingerprint: fp, RefreshedAt: at}, nil
}

// ReadArticle returns the article with the given id (barcode) or ErrNotFound.
func (s *Store) ReadArticle(ctx context.Context, id string) (ledger.Article, error) {
	var designation, prices string
	err := s.db.QueryRowContext(ctx, `
		SELECT designation, prices FROM articles WHERE id = ?
	`, id).Scan(&designation, &prices)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Article{}, fmt.Errorf("read article %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return ledger.Article{}, fmt.Errorf("read article %s: %w", id, err)
	}

	parsed, err := unmarshalPrices(prices)
	if err != nil {
		return ledger.Article{}, fmt.Errorf("read article %s: %w", id, err)
	}
	return ledger.Article{ID: id, Designation: designation, Prices: parsed}, nil
}

// ReadMember returns the member row for a keycode or ErrNotFound.
func (s *Store) ReadMember(ctx context.Context, keycode string) (ledger.Member, error) {
	m := ledger.Member{Keycode: keycode}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, firstname, lastname, nickname, tier FROM members WHERE keycode = ?
	`, keycode).Scan(&m.ID, &m.Firstname, &m.Lastname, &m.Nickname, &m.Tier)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Member{}, fmt.Errorf("read member %s: %w", keycode, ErrNotFound)
	}
	if err != nil {
		return ledger.Member{}, fmt.Errorf("read member %s: %w", keycode, err)
	}
	return m, nil
}

func scanArticle(rows *sql.Rows) (ledger.Article, error) {
	var a ledger.Article
	var prices string
	if err := rows.Scan(&a.ID, &a.Designation, &prices); err != nil {
		return ledger.Article{}, fmt.Errorf("scan article: %w", err)
	}
	parsed, err := unmarshalPrices(prices)
	if err != nil {
		return ledger.Article{}, fmt.Errorf("article %s: %w", a.ID, err)
	}
	a.Prices = parsed
	return a, nil
}
