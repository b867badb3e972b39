package services

import (
	"context"
	"strings"

	"github.com/dmitrijs2005/possync/internal/client/models"
	"github.com/dmitrijs2005/possync/internal/client/repositories/clients"
	"github.com/dmitrijs2005/possync/internal/client/storage"
	"github.com/dmitrijs2005/possync/internal/logging"
)

type ClientInput struct {
	FirstName string
	LastName  string
	Phone     string
}

func (in ClientInput) normalize() (ClientInput, error) {
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.Phone = strings.TrimSpace(in.Phone)
	if in.FirstName == "" && in.LastName == "" {
		return in, validation("client needs a first or last name")
	}
	return in, nil
}

// ClientService manages customers.
type ClientService interface {
	Create(ctx context.Context, in ClientInput) (*models.Client, error)
	Update(ctx context.Context, id int64, in ClientInput) (*models.Client, error)
	// Delete removes a client with its visits and payments. A client the
	// server has never seen leaves no trace; otherwise a delete is queued.
	Delete(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (*models.Client, error)
	List(ctx context.Context, f clients.Filter) ([]models.Client, error)
}

type clientService struct {
	base
	log logging.Logger
}

func NewClientService(store *storage.Manager, notify Notifier, log logging.Logger) ClientService {
	if log == nil {
		log = logging.Nop()
	}
	return &clientService{base: base{store: store, notify: notify}, log: logging.ForModule(log, "clients")}
}

func (s *clientService) Create(ctx context.Context, in ClientInput) (*models.Client, error) {
	in, err := in.normalize()
	if err != nil {
		return nil, err
	}
	c := &models.Client{
		Identity:       models.NewIdentity(),
		FirstName:      in.FirstName,
		LastName:       in.LastName,
		Phone:          in.Phone,
		LocallyCreated: true,
	}
	err = s.store.WithTx(ctx, func(ctx context.Context, r *storage.Repositories) error {
		if _, err := r.Clients.Put(ctx, c); err != nil {
			return err
		}
		return enqueueCreate(ctx, r, models.EntityClient, c.Identity, c.Wire())
	})
	if err != nil {
		return nil, err
	}
	s.log.Info(ctx, "client created", "id", c.LocalID, "tag", c.Tag)
	s.changed()
	return c, nil
}

func (s *clientService) Update(ctx context.Context, id int64, in ClientInput) (*models.Client, error) {
	in, err := in.normalize()
	if err != nil {
		return nil, err
	}
	var c *models.Client
	err = s.store.WithTx(ctx, func(ctx context.Context, r *storage.Repositories) error {
		if c, err = r.Clients.Get(ctx, id); err != nil {
			return err
		}
		c.FirstName, c.LastName, c.Phone = in.FirstName, in.LastName, in.Phone
		c.Synced = false
		if _, err := r.Clients.Put(ctx, c); err != nil {
			return err
		}
		return enqueueChange(ctx, r, models.EntityClient, c.Identity, c.Wire())
	})
	if err != nil {
		return nil, err
	}
	s.changed()
	return c, nil
}

func (s *clientService) Delete(ctx context.Context, id int64) error {
	err := s.store.WithTx(ctx, func(ctx context.Context, r *storage.Repositories) error {
		c, err := r.Clients.Get(ctx, id)
		if err != nil {
			return err
		}
		if _, err := dropQueued(ctx, r, models.EntityClient, id); err != nil {
			return err
		}
		if err := r.Clients.Delete(ctx, id); err != nil {
			return err
		}
		if !c.HasRemote() {
			// an in-flight create is turned into a delete on acknowledgement
			return nil
		}
		item := &models.QueueItem{
			Entity:   models.EntityClient,
			Action:   models.ActionDelete,
			LocalID:  c.LocalID,
			Tag:      c.Tag,
			RemoteID: c.RemoteID,
		}
		_, err = r.Mutations.Enqueue(ctx, item)
		return err
	})
	if err != nil {
		return err
	}
	s.log.Info(ctx, "client deleted", "id", id)
	s.changed()
	return nil
}

func (s *clientService) Get(ctx context.Context, id int64) (*models.Client, error) {
	return s.store.Repos().Clients.Get(ctx, id)
}

func (s *clientService) List(ctx context.Context, f clients.Filter) ([]models.Client, error) {
	return s.store.Repos().Clients.List(ctx, f)
}
