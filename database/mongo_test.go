package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Runs against a live server only when MONGO_TEST_URI is set.
func openTempMongo(t *testing.T) *MongoStore {
	t.Helper()
	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		t.Skip("MONGO_TEST_URI not set")
	}
	ctx := context.Background()
	s, err := ConnectMongo(ctx, uri, "gatekeeper_test_"+uuid.NewString()[:8], 5*time.Second)
	require.NoError(t, err)
	s.now = tickingClock()
	t.Cleanup(func() {
		_ = s.Database.Drop(ctx)
		_ = s.Close()
	})
	return s
}

func TestMongoStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return openTempMongo(t) })
}

func TestMongoOffsets(t *testing.T) {
	runOffsetContract(t, openTempMongo(t))
}
