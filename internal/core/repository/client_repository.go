package repository

import (
	"context"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
)

type ClientRepository interface {
	Create(ctx context.Context, client *domain.APIClient) error
	FindByID(ctx context.Context, id string) (*domain.APIClient, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*domain.APIClient, error)
}
