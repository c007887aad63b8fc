package cli

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobsCLIRequiresAddress(t *testing.T) {
	_, err := NewJobsCLI("")
	assert.Error(t, err)
}

func TestJobsCLIRejectsUnknownJob(t *testing.T) {
	c, err := NewJobsCLI("127.0.0.1:0")
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Trigger(context.Background(), "mail:send")
	assert.ErrorContains(t, err, "unknown task")
}

func TestNilJobsCLI(t *testing.T) {
	var c *JobsCLI
	_, err := c.Trigger(context.Background(), "ledger:integrity")
	assert.Error(t, err)
	_, err = c.InspectQueue(context.Background())
	assert.Error(t, err)
}
