// Package job is a thin, typed layer over River for durable background
// jobs on Postgres. It exists so the rest of the service never touches
// River types directly: tasks are plain structs with a Name and a typed
// Handle method, payloads are JSON, and queues are declared up front with
// fixed worker counts.
//
// The sync engine leans on two properties of this arrangement:
//
//   - Durability: jobs live in Postgres, so enqueued work survives process
//     restarts and failed handlers redeliver with River's backoff.
//   - Serialization: a queue declared with one worker processes its jobs
//     strictly in order. The queue layer above hashes each Source task id
//     onto one of a fixed set of single-worker queues, which is what makes
//     "at most one operation in flight per task" hold across the fleet.
//
// Malformed payloads and unknown task names are cancelled, not retried:
// redelivery cannot fix a message that can never decode.
//
// Call Migrate once at startup to apply River's own schema before the
// manager starts polling.
package job
