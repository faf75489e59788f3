package journal

import (
	"time"

	"github.com/jd3nn1s/skimmer"
	"github.com/pkg/errors"
)

type Run struct {
	RunID     string
	StartedAt time.Time
}

// Runs lists every recorded run, oldest first.
func (j *Journal) Runs() ([]Run, error) {
	rows, err := j.db.Query(`SELECT run_id, started_at FROM runs ORDER BY started_at, run_id`)
	if err != nil {
		return nil, errors.Wrap(err, "unable to query runs")
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		var r Run
		var at int64
		if err := rows.Scan(&r.RunID, &at); err != nil {
			return nil, errors.Wrap(err, "unable to scan run")
		}
		r.StartedAt = time.Unix(0, at).UTC()
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Transitions returns the mode transitions of runID in the order they were
// recorded.
func (j *Journal) Transitions(runID string) ([]skimmer.Transition, error) {
	rows, err := j.db.Query(
		`SELECT at, from_mode, to_mode, reason FROM mode_transitions WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "unable to query mode transitions")
	}
	defer rows.Close()
	var out []skimmer.Transition
	for rows.Next() {
		var at int64
		var from, to string
		tr := skimmer.Transition{}
		if err := rows.Scan(&at, &from, &to, &tr.Reason); err != nil {
			return nil, errors.Wrap(err, "unable to scan mode transition")
		}
		if tr.From, err = skimmer.ParseMode(from); err != nil {
			return nil, err
		}
		if tr.To, err = skimmer.ParseMode(to); err != nil {
			return nil, err
		}
		tr.At = time.Unix(0, at).UTC()
		out = append(out, tr)
	}
	return out, rows.Err()
}

// Commands returns the dispatched commands of runID in sequence order.
func (j *Journal) Commands(runID string) ([]CommandRecord, error) {
	rows, err := j.db.Query(
		`SELECT at, seq, heading, speed, mode, reason FROM commands WHERE run_id = ? ORDER BY seq, id`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "unable to query commands")
	}
	defer rows.Close()
	var out []CommandRecord
	for rows.Next() {
		var at, seq int64
		var mode string
		rec := CommandRecord{}
		if err := rows.Scan(&at, &seq, &rec.Envelope.Heading, &rec.Envelope.Speed, &mode, &rec.Reason); err != nil {
			return nil, errors.Wrap(err, "unable to scan command")
		}
		if rec.Envelope.Mode, err = skimmer.ParseCommandMode(mode); err != nil {
			return nil, err
		}
		rec.At = time.Unix(0, at).UTC()
		rec.Envelope.Seq = uint64(seq)
		out = append(out, rec)
	}
	return out, rows.Err()
}
