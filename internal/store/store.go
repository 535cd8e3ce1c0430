package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"kiosk-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// EnsureMachine creates a machine record if one does not exist and bumps
// last_seen_at either way. Machines are registered lazily on first use.
func (s *Store) EnsureMachine(ctx context.Context, machineID, location string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO machines (id, location, created_at, last_seen_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET last_seen_at = NOW()`,
		machineID, location)
	return err
}

// GetMachine retrieves a machine by ID
func (s *Store) GetMachine(ctx context.Context, machineID string) (*models.Machine, error) {
	var machine models.Machine
	err := s.db.GetContext(ctx, &machine, "SELECT * FROM machines WHERE id = $1", machineID)
	if err == sql.ErrNoRows {
		return nil, models.NewError(models.ErrKindNotFound, "machine not found: %s", machineID)
	}
	if err != nil {
		return nil, err
	}
	return &machine, nil
}

// GetCatalogModel retrieves the partner mapping for a phone model
func (s *Store) GetCatalogModel(ctx context.Context, brandID, modelID string) (*models.CatalogModel, error) {
	var cm models.CatalogModel
	err := s.db.GetContext(ctx, &cm,
		"SELECT * FROM catalog_models WHERE brand_id = $1 AND model_id = $2", brandID, modelID)
	if err == sql.ErrNoRows {
		return nil, models.NewError(models.ErrKindNotFound, "catalog model not found: %s/%s", brandID, modelID)
	}
	if err != nil {
		return nil, err
	}
	return &cm, nil
}

// GetCatalogModels retrieves all partner model mappings, used to warm the
// catalog cache at startup.
func (s *Store) GetCatalogModels(ctx context.Context) ([]models.CatalogModel, error) {
	var cms []models.CatalogModel
	err := s.db.SelectContext(ctx, &cms, "SELECT * FROM catalog_models ORDER BY brand_id, model_id")
	return cms, err
}
