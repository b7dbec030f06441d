package nats

import (
	"context"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Cleanup(func())
}

// NewTestContainer starts a JetStream enabled NATS server for the duration
// of the test.
func NewTestContainer(t Testing) Connector {
	ctx := t.Context()
	natsC, err := testcontainers.Run(
		ctx, "nats:latest",
		testcontainers.WithCmd("-js"),
		testcontainers.WithExposedPorts("4222/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("4222/tcp"),
			wait.ForLog("Server is ready"),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(natsC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	endpoint, err := natsC.PortEndpoint(ctx, "4222/tcp", "nats")
	require.NoError(t, err)
	t.Logf("nats endpoint: %s", endpoint)
	return ConnectURL(endpoint)
}

// NewTestEventLog creates an event log on its own in-memory stream.
func NewTestEventLog(t Testing, connect Connector) *EventLog {
	name := strings.ToLower(gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz", 10))
	l, err := NewEventLog(EventLogConfig{
		Connect:       connect,
		StreamName:    "test_" + name,
		SubjectPrefix: "test." + name,
		MemoryStorage: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}
