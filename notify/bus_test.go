package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus, err := Start(nil)
	require.NoError(t, err)
	defer bus.Close()

	received := make(chan string, 1)
	sub, err := bus.Subscribe(SubjectTaskRouted, func(taskPath string) {
		received <- taskPath
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	bus.Publish(SubjectTaskRouted, "/root/Inbox/task.md")

	select {
	case got := <-received:
		require.Equal(t, "/root/Inbox/task.md", got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notify delivery")
	}
}

func TestNilBusIsInert(t *testing.T) {
	var bus *Bus
	bus.Publish(SubjectTaskDone, "x")
	sub, err := bus.Subscribe(SubjectTaskDone, func(string) {})
	require.NoError(t, err)
	require.Nil(t, sub)
	bus.Close()
}
