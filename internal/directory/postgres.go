package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/quillhaven/keycast/internal/domain"
)

// PostgresDirectory resolves identities from the platform's user table.
type PostgresDirectory struct {
	DB *sql.DB
}

// Open connects to the user database with the usual pool settings.
func Open(databaseURL string, maxOpen, maxIdle, connMaxLifetimeMin int) (*PostgresDirectory, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(time.Duration(connMaxLifetimeMin) * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	return &PostgresDirectory{DB: db}, nil
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{DB: db}
}

func (d *PostgresDirectory) FindByID(ctx context.Context, id int64) (*domain.Identity, error) {
	query := `
	SELECT id, display_name, role
	FROM users
	WHERE id = $1;
	`
	var identity domain.Identity
	err := d.DB.QueryRowContext(ctx, query, id).Scan(&identity.ID, &identity.DisplayName, &identity.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user %d: %w", id, err)
	}
	return &identity, nil
}

func (d *PostgresDirectory) Close() error {
	return d.DB.Close()
}
