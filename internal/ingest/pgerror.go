package ingest

import (
	"errors"

	"github.com/lib/pq"
)

// uniqueViolation matches the Postgres error classes that mean "this batch
// contains a genuine key conflict" per spec.md §4.3's "any
// uniqueness-constraint failure": SQLSTATE 23505 (unique_violation), and
// 21000 (cardinality_violation), which Postgres raises as "ON CONFLICT DO
// UPDATE command cannot affect row a second time" when the bulk statement's
// own VALUES list contains two rows for the same conflict key — the
// realistic failure mode here, since the schema's only unique index per
// table is already the bulk statement's ON CONFLICT target. Either falls
// back to the slow path; any other error is fatal to the batch.
func uniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505", "21000":
			return true
		}
	}
	return false
}

// Retryable matches the serialization-failure / deadlock classes spec.md
// §4.8 calls out as "report to caller, who re-runs the batch".
func Retryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
	}
	return false
}
