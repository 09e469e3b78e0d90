package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuditLogRecordsAndFiltersByEntity(t *testing.T) {
	log := NewAuditLog(0)
	a := DID("did:key:zA")
	b := DID("did:key:zB")

	log.Record(AuditRecord{Action: "dag.store_node", Entity: a, Outcome: "applied"})
	log.Record(AuditRecord{Action: "dag.store_node", Entity: b, Outcome: "applied"})
	log.Record(AuditRecord{Action: "dag.store_node", Entity: a, Outcome: "rejected: bad sig"})

	eventsA := log.Events(a)
	require.Len(t, eventsA, 2)
	require.Equal(t, "applied", eventsA[0].Outcome)
	require.Equal(t, "rejected: bad sig", eventsA[1].Outcome)

	eventsB := log.Events(b)
	require.Len(t, eventsB, 1)
}

func TestAuditLogEvictsOldestWhenBounded(t *testing.T) {
	log := NewAuditLog(2)
	a := DID("did:key:zA")

	log.Record(AuditRecord{Entity: a, Outcome: "first"})
	log.Record(AuditRecord{Entity: a, Outcome: "second"})
	log.Record(AuditRecord{Entity: a, Outcome: "third"})

	events := log.Events(a)
	require.Len(t, events, 2)
	require.Equal(t, "second", events[0].Outcome)
	require.Equal(t, "third", events[1].Outcome)
}

func TestAuditLogStampsTimestampWhenZero(t *testing.T) {
	log := NewAuditLog(0)
	a := DID("did:key:zA")
	log.Record(AuditRecord{Entity: a})

	events := log.Events(a)
	require.Len(t, events, 1)
	require.False(t, events[0].Timestamp.IsZero())
}
