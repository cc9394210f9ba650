package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/repository"
)

type clientRepository struct {
	db *DB
}

func NewClientRepository(db *DB) repository.ClientRepository {
	return &clientRepository{db: db}
}

func (r *clientRepository) Create(ctx context.Context, client *domain.APIClient) error {
	scopesJSON, err := json.Marshal(client.Scopes)
	if err != nil {
		return fmt.Errorf("failed to marshal scopes: %w", err)
	}

	query := r.db.Rebind(`
		INSERT INTO api_client (id, secret, label, scopes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	_, err = r.db.ExecContext(ctx, query,
		client.ID,
		client.Secret,
		client.Label,
		string(scopesJSON),
		dbTime(client.CreatedAt),
		dbTime(client.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	return nil
}

func (r *clientRepository) FindByID(ctx context.Context, id string) (*domain.APIClient, error) {
	query := r.db.Rebind(`
		SELECT id, secret, label, scopes, created_at, updated_at
		FROM api_client
		WHERE id = ?
	`)
	client, err := scanClient(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrClientNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find client: %w", err)
	}
	return client, nil
}

func (r *clientRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM api_client WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", domain.ErrClientNotFound, id)
	}
	return nil
}

func (r *clientRepository) List(ctx context.Context) ([]*domain.APIClient, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, secret, label, scopes, created_at, updated_at
		FROM api_client
		ORDER BY label
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	var clients []*domain.APIClient
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		clients = append(clients, client)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating clients: %w", err)
	}
	return clients, nil
}

func scanClient(row scanner) (*domain.APIClient, error) {
	var client domain.APIClient
	var scopesJSON string
	err := row.Scan(
		&client.ID,
		&client.Secret,
		&client.Label,
		&scopesJSON,
		timeInto(&client.CreatedAt),
		timeInto(&client.UpdatedAt),
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(scopesJSON), &client.Scopes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scopes: %w", err)
	}
	return &client, nil
}
