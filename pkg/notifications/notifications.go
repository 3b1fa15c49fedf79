package notifications

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/certwarden/pkg/log"
	"github.com/cuemby/certwarden/pkg/storage"
	"github.com/cuemby/certwarden/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DataNodeNeedsProvisioning asks the operator to configure waiting nodes.
// There is one per cluster.
func DataNodeNeedsProvisioning() *types.Notification {
	return &types.Notification{
		Type:     types.NotificationDataNodeNeedsProvisioning,
		Severity: types.SeverityUrgent,
	}
}

// CertificateNeedsRenewal tells the operator a node certificate must be
// renewed by hand. There is one per node.
func CertificateNeedsRenewal(nodeID string, expiresAt time.Time) *types.Notification {
	return &types.Notification{
		Type:     types.NotificationCertificateNeedsRenewal,
		Key:      nodeID,
		Severity: types.SeverityUrgent,
		Details: map[string]string{
			"node_id":    nodeID,
			"expires_at": expiresAt.UTC().Format(time.RFC3339),
		},
	}
}

// Service keeps at most one notification per (type, key)
type Service struct {
	store  storage.Store
	now    func() time.Time
	logger zerolog.Logger
}

// NewService creates a notification service over store
func NewService(store storage.Store) *Service {
	return &Service{
		store:  store,
		now:    time.Now,
		logger: log.WithComponent("notifications"),
	}
}

// IsFirst reports whether no notification of this type and key is active
func (s *Service) IsFirst(typ types.NotificationType, key string) (bool, error) {
	_, err := s.store.GetNotification(typ, key)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, storage.ErrNotFound):
		return true, nil
	default:
		return false, err
	}
}

// PublishIfFirst stores n unless one with the same type and key is already
// active. It reports whether n was stored.
func (s *Service) PublishIfFirst(n *types.Notification) (bool, error) {
	first, err := s.IsFirst(n.Type, n.Key)
	if err != nil || !first {
		return false, err
	}

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = s.now().UTC()
	}
	if err := s.store.SaveNotification(n); err != nil {
		return false, fmt.Errorf("failed to publish %s notification: %w", n.Type, err)
	}
	s.logger.Info().Str("type", string(n.Type)).Str("key", n.Key).Msg("Notification raised")
	return true, nil
}

// Fixed clears the notification of this type and key. Clearing one that is
// not active is a no-op.
func (s *Service) Fixed(typ types.NotificationType, key string) error {
	first, err := s.IsFirst(typ, key)
	if err != nil || first {
		return err
	}
	if err := s.store.DeleteNotification(typ, key); err != nil {
		return fmt.Errorf("failed to clear %s notification: %w", typ, err)
	}
	s.logger.Info().Str("type", string(typ)).Str("key", key).Msg("Notification cleared")
	return nil
}

// List returns the active notifications, oldest first
func (s *Service) List() ([]*types.Notification, error) {
	list, err := s.store.ListNotifications()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Timestamp.Before(list[j].Timestamp)
	})
	return list, nil
}
