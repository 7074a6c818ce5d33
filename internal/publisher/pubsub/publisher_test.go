package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDialRequiresTopic(t *testing.T) {
	t.Parallel()

	_, err := Dial(context.Background(), Config{ProjectID: "proj"})
	require.Error(t, err)
}

func TestPublishWithoutPublisher(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "profiles", map[string]string{"a": "b"})
	require.Error(t, err)

	var p *Publisher
	require.NoError(t, p.Close())
}
