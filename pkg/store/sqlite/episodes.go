package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/johncui/engram/pkg/model"
)

// AddEpisode appends an episode and returns it as stored. The row is
// committed before return, and the returned metadata is decoded from the
// stored JSON so it never aliases the caller's map.
func (d *Database) AddEpisode(ctx context.Context, user, task, text string, metadata map[string]interface{}) (model.Episode, error) {
	ep := model.Episode{
		Timestamp: d.now().Unix(),
		User:      user,
		Task:      task,
		Text:      text,
	}
	var metaBytes []byte
	if metadata != nil {
		var err error
		metaBytes, err = json.Marshal(metadata)
		if err != nil {
			return model.Episode{}, fmt.Errorf("sqlite: marshal episode metadata: %w", err)
		}
		if err := json.Unmarshal(metaBytes, &ep.Metadata); err != nil {
			return model.Episode{}, fmt.Errorf("sqlite: normalize episode metadata: %w", err)
		}
	}

	res, err := d.writer.ExecContext(ctx, `
        INSERT INTO episodes(timestamp, user, task, text, metadata)
        VALUES(?, ?, ?, ?, ?);
    `, ep.Timestamp, user, task, text, nullableString(metaBytes))
	if err != nil {
		return model.Episode{}, fmt.Errorf("sqlite: insert episode: %w", err)
	}
	ep.ID, err = res.LastInsertId()
	if err != nil {
		return model.Episode{}, fmt.Errorf("sqlite: insert episode: %w", err)
	}
	return ep, nil
}

// RecentEpisodes returns up to limit episodes, newest (highest id) first.
func (d *Database) RecentEpisodes(ctx context.Context, limit int) ([]model.Episode, error) {
	if limit < 0 {
		return nil, ErrInvalidLimit
	}
	if limit == 0 {
		return []model.Episode{}, nil
	}
	rows, err := d.reader.QueryContext(ctx, `
        SELECT id, timestamp, user, task, text, metadata
        FROM episodes
        ORDER BY id DESC
        LIMIT ?;
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query recent episodes: %w", err)
	}
	return scanEpisodes(rows, limit)
}

// FetchEpisodes loads episodes by id. Missing ids are absent from the map.
func (d *Database) FetchEpisodes(ctx context.Context, ids []int64) (map[int64]model.Episode, error) {
	out := make(map[int64]model.Episode, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := d.reader.QueryContext(ctx, `
        SELECT id, timestamp, user, task, text, metadata
        FROM episodes
        WHERE id IN (`+Placeholders(len(ids))+`);`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: fetch episodes: %w", err)
	}
	eps, err := scanEpisodes(rows, len(ids))
	if err != nil {
		return nil, err
	}
	for _, ep := range eps {
		out[ep.ID] = ep
	}
	return out, nil
}

// PruneEpisodes deletes the oldest episodes so at most keep remain and returns
// the deleted ids. Their vectors are left to the caller's index.
func (d *Database) PruneEpisodes(ctx context.Context, keep int) ([]int64, error) {
	if keep < 0 {
		return nil, ErrInvalidLimit
	}
	var pruned []int64
	err := d.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
            SELECT id FROM episodes
            ORDER BY id DESC
            LIMIT -1 OFFSET ?;
        `, keep)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			pruned = append(pruned, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if len(pruned) == 0 {
			return nil
		}
		// pruned is newest-first, so the first entry is the cutoff.
		cutoff := pruned[0]
		_, err = tx.ExecContext(ctx, `DELETE FROM episodes WHERE id <= ?;`, cutoff)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: prune episodes: %w", err)
	}
	return pruned, nil
}

// CountEpisodes returns the number of stored episodes.
func (d *Database) CountEpisodes(ctx context.Context) (int64, error) {
	var n int64
	if err := d.reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM episodes;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count episodes: %w", err)
	}
	return n, nil
}

func scanEpisodes(rows *sql.Rows, capHint int) ([]model.Episode, error) {
	defer rows.Close()

	out := make([]model.Episode, 0, capHint)
	for rows.Next() {
		var e model.Episode
		var meta sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.User, &e.Task, &e.Text, &meta); err != nil {
			return nil, fmt.Errorf("sqlite: scan episode: %w", err)
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("sqlite: episode %d metadata: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate episodes: %w", err)
	}
	return out, nil
}

func nullableString(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
