/*
Package storage provides BoltDB-backed persistence for the task store's two
tables: tasks and consumer registrations.

BoltStore keeps four buckets in one bolt.DB file: tasks and consumers hold
the JSON-marshaled records keyed by id/endpoint_url; tasks_by_topic_status_schedule
and consumers_by_topic_ready hold secondary indexes keyed so that bbolt's
natural byte-ordered cursor iteration produces the FIFO order §4.3 requires
without a SQL engine's secondary-index support.

Lease is the one method that is not a plain CRUD wrapper: it runs the full
pick-oldest-task, pick-ready-consumer, flip-both transaction inside a single
bolt.Update, which is what makes it safe to call concurrently with ordinary
reads and with itself — bbolt serializes writers for us.

Writes reach this package only through pkg/taskstore's Raft FSM, which adds
cluster-wide serialization on top of bbolt's single-process one; pkg/taskstore
serves local reads from it directly.
*/
package storage
