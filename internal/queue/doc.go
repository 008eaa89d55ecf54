// Package queue persists work units in SQLite and answers the eligibility
// questions the stage dispatchers ask.
//
// A unit records the stage it is waiting for and a status within that stage
// (pending, claimed, failed, done). NextEligible claims pending units inside a
// transaction and stamps each claim with a fresh token, so two dispatch rounds
// can never hold the same unit. RecordOutcome settles a claim: success moves
// the unit to the next stage as pending (or to done after the encoder),
// failure parks it as failed until an operator retries it.
//
// Stage payloads are stored verbatim as JSON so downstream handlers can read
// what upstream stages decided. Schema changes bump schemaVersion in schema.go;
// the database is transient job storage and is cleared to adopt a new schema.
package queue
