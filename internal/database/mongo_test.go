package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

func TestClientOptionsRequireMajorityOnPrimary(t *testing.T) {
	opts := ClientOptions("mongodb://localhost:27017/quantflow", 3*time.Second)
	require.NoError(t, opts.Validate())

	require.NotNil(t, opts.WriteConcern)
	assert.Equal(t, "majority", opts.WriteConcern.W)
	require.NotNil(t, opts.ReadConcern)
	assert.Equal(t, "majority", opts.ReadConcern.Level)
	require.NotNil(t, opts.ReadPreference)
	assert.Equal(t, readpref.PrimaryMode, opts.ReadPreference.Mode())

	require.NotNil(t, opts.AppName)
	assert.Equal(t, "quantflow", *opts.AppName)
	require.NotNil(t, opts.ConnectTimeout)
	assert.Equal(t, 3*time.Second, *opts.ConnectTimeout)
	require.NotNil(t, opts.RetryWrites)
	assert.True(t, *opts.RetryWrites)
}
