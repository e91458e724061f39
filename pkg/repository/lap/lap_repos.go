//nolint:whitespace //can't make both the linter and editor happy :(
package lap

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/kartware/kartlive/pkg/model"
	"github.com/kartware/kartlive/pkg/repository"
)

// Lap records are append-only. Writes are idempotent on
// (track, session, team, lap) to tolerate at-least-once delivery from the
// persistence queue.

// Create inserts a lap record; returns false when the record already
// existed.
func Create(
	ctx context.Context,
	conn repository.Querier,
	rec *model.LapRecord,
) (bool, error) {
	cmdTag, err := conn.Exec(ctx, `
insert into lap (track_id, session_id, row_key, lap_no, lap_time, recorded)
values ($1,$2,$3,$4,$5,$6)
on conflict (track_id, session_id, row_key, lap_no) do nothing`,
		rec.TrackID, rec.SessionID, rec.RowKey, rec.LapNo, rec.LapTime, rec.Recorded)
	if err != nil {
		return false, err
	}
	return cmdTag.RowsAffected() > 0, nil
}

func LoadBySession(
	ctx context.Context,
	conn repository.Querier,
	trackID int,
	sessionID string,
) ([]*model.LapRecord, error) {
	rows, err := conn.Query(ctx,
		selector+" where track_id=$1 and session_id=$2 order by row_key, lap_no",
		trackID, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ret := make([]*model.LapRecord, 0)
	for rows.Next() {
		var item model.LapRecord
		if err := scan(&item, rows); err != nil {
			return nil, err
		}
		ret = append(ret, &item)
	}
	return ret, rows.Err()
}

// deletes all laps of a session, returns number of rows deleted.
func DeleteBySession(
	ctx context.Context,
	conn repository.Querier,
	trackID int,
	sessionID string,
) (int, error) {
	cmdTag, err := conn.Exec(ctx,
		"delete from lap where track_id=$1 and session_id=$2", trackID, sessionID)
	if err != nil {
		return 0, err
	}
	return int(cmdTag.RowsAffected()), nil
}

// little helper
const selector = string(
	`select track_id, session_id, row_key, lap_no, lap_time, recorded from lap`)

func scan(e *model.LapRecord, row pgx.Row) error {
	return row.Scan(&e.TrackID, &e.SessionID, &e.RowKey, &e.LapNo,
		&e.LapTime, &e.Recorded)
}
