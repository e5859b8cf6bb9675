package queue

import (
	"testing"

	"permitcore/testutil"
)

// The queue carries opaque envelopes; it must not know about the decision
// engine or a concrete store.
func TestQueueStaysBelowCore(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.Any(testutil.CoreForbidden, testutil.PersistenceDriverForbidden), "queue is transport only")
	testutil.AssertNoTransitiveDependency(t, "permitcore/internal/queue", testutil.CoreForbidden, "queue is transport only")
}
