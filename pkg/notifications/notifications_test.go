package notifications

import (
	"testing"
	"time"

	"github.com/cuemby/certwarden/pkg/storage"
	"github.com/cuemby/certwarden/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) *Service {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewService(store)
}

func TestPublishIfFirstDeduplicates(t *testing.T) {
	s := newService(t)

	published, err := s.PublishIfFirst(DataNodeNeedsProvisioning())
	require.NoError(t, err)
	assert.True(t, published)

	published, err = s.PublishIfFirst(DataNodeNeedsProvisioning())
	require.NoError(t, err)
	assert.False(t, published)

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.NotEmpty(t, list[0].ID)
	assert.False(t, list[0].Timestamp.IsZero())
}

func TestRenewalNotificationsArePerNode(t *testing.T) {
	s := newService(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { base = base.Add(time.Minute); return base }

	expires := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	for _, node := range []string{"b", "a", "b"} {
		_, err := s.PublishIfFirst(CertificateNeedsRenewal(node, expires))
		require.NoError(t, err)
	}

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].Key)
	assert.Equal(t, "2026-02-01T12:00:00Z", list[0].Details["expires_at"])
	assert.Equal(t, types.SeverityUrgent, list[0].Severity)

	require.NoError(t, s.Fixed(types.NotificationCertificateNeedsRenewal, "b"))
	require.NoError(t, s.Fixed(types.NotificationCertificateNeedsRenewal, "b"))

	first, err := s.IsFirst(types.NotificationCertificateNeedsRenewal, "b")
	require.NoError(t, err)
	assert.True(t, first)
	first, err = s.IsFirst(types.NotificationCertificateNeedsRenewal, "a")
	require.NoError(t, err)
	assert.False(t, first)
}
