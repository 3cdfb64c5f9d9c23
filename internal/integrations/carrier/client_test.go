package carrier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubClient struct{ name string }

func (s stubClient) GetTracking(ctx context.Context, trackingNumber, carrierCode string) (Snapshot, error) {
	return Snapshot{Status: s.name}, nil
}

func TestRegistry_ClientFor(t *testing.T) {
	r := NewRegistry(stubClient{name: "fallback"}).
		Register("17track", stubClient{name: "17track"})

	snap, err := r.ClientFor("17track").GetTracking(context.Background(), "N", "")
	require.NoError(t, err)
	require.Equal(t, "17track", snap.Status)

	snap, err = r.ClientFor("usps").GetTracking(context.Background(), "N", "")
	require.NoError(t, err)
	require.Equal(t, "fallback", snap.Status)
}

func TestSnapshot_Empty(t *testing.T) {
	require.True(t, Snapshot{}.Empty())
	require.False(t, Snapshot{Status: "in_transit"}.Empty())
	require.False(t, Snapshot{Events: []SnapshotEvent{{}}}.Empty())
}
