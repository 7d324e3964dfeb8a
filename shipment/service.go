package shipment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"freightflow/auth"
)

type Service struct {
	repo        Repository
	idGenerator func() string
	now         func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{
		repo:        repo,
		idGenerator: uuid.NewString,
		now:         time.Now,
	}
}

// WithIDGenerator overrides shipment id generation.
func (s *Service) WithIDGenerator(gen func() string) *Service {
	if gen != nil {
		s.idGenerator = gen
	}
	return s
}

// Create publishes a new open shipment owned by the acting shipper.
func (s *Service) Create(ctx context.Context, actor auth.Principal) (Shipment, error) {
	if actor.Role != auth.RoleShipper {
		return Shipment{}, ErrForbidden
	}
	return s.repo.Create(ctx, Shipment{
		ID:        s.idGenerator(),
		ShipperID: actor.UserID,
		Status:    StatusOpen,
	})
}

// Get loads a shipment visible to the actor.
func (s *Service) Get(ctx context.Context, id string, actor auth.Principal) (Shipment, error) {
	sh, err := s.repo.Get(ctx, id)
	if err != nil {
		return Shipment{}, err
	}
	if actor.Role == auth.RoleShipper && sh.ShipperID != actor.UserID {
		return Shipment{}, ErrNotFound
	}
	return sh, nil
}
