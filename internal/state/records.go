package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"grimm.is/foreman/internal/model"
)

// SaveCommand inserts or replaces a command record.
func (s *SQLiteStore) SaveCommand(ctx context.Context, cmd *model.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command %s: %w", cmd.ID, err)
	}
	return s.withDB(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO commands (id, status, user_id, created_at, updated_at, data)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET status = excluded.status,
				updated_at = excluded.updated_at, data = excluded.data`,
			cmd.ID, string(cmd.Status), cmd.UserID, cmd.CreatedAt.UnixMilli(), s.now(), data)
		if err != nil {
			return fmt.Errorf("save command %s: %w", cmd.ID, err)
		}
		return nil
	})
}

// GetCommand loads a command by id.
func (s *SQLiteStore) GetCommand(ctx context.Context, id string) (*model.Command, error) {
	var cmd model.Command
	err := s.getJSON(ctx, "SELECT data FROM commands WHERE id = ?", id, &cmd)
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

// CommandFilter narrows ListCommands.
type CommandFilter struct {
	Statuses []model.CommandStatus
	UserID   string
	Limit    int
}

// ListCommands returns commands newest first.
func (s *SQLiteStore) ListCommands(ctx context.Context, f CommandFilter) ([]*model.Command, error) {
	query := "SELECT data FROM commands"
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ",")+")")
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	var out []*model.Command
	err := s.listJSON(ctx, query, args, func(data []byte) error {
		var cmd model.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			return err
		}
		out = append(out, &cmd)
		return nil
	})
	return out, err
}

// SaveJob inserts or replaces a job record.
func (s *SQLiteStore) SaveJob(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	return s.withDB(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO jobs (id, command_id, state, finished_at, updated_at, data)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET state = excluded.state,
				finished_at = excluded.finished_at, updated_at = excluded.updated_at,
				data = excluded.data`,
			job.ID, job.CommandID, string(job.State), millis(job.FinishedAt), s.now(), data)
		if err != nil {
			return fmt.Errorf("save job %s: %w", job.ID, err)
		}
		return nil
	})
}

// GetJob loads a job by id.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	if err := s.getJSON(ctx, "SELECT data FROM jobs WHERE id = ?", id, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns jobs in any of the given states (all jobs when none given).
func (s *SQLiteStore) ListJobs(ctx context.Context, states ...model.JobState) ([]*model.Job, error) {
	query := "SELECT data FROM jobs"
	var args []any
	if len(states) > 0 {
		marks := make([]string, len(states))
		for i, st := range states {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += " WHERE state IN (" + strings.Join(marks, ",") + ")"
	}

	var out []*model.Job
	err := s.listJSON(ctx, query, args, func(data []byte) error {
		var job model.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		out = append(out, &job)
		return nil
	})
	return out, err
}

// PruneJobs deletes finished jobs older than before and returns how many went.
func (s *SQLiteStore) PruneJobs(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := s.withDB(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			"DELETE FROM jobs WHERE finished_at IS NOT NULL AND finished_at < ?", before.UnixMilli())
		if err != nil {
			return fmt.Errorf("prune jobs: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// SaveAgent inserts or replaces an agent record.
func (s *SQLiteStore) SaveAgent(ctx context.Context, agent *model.Agent) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("encode agent %s: %w", agent.ID, err)
	}
	return s.withDB(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO agents (id, status, updated_at, data) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET status = excluded.status,
				updated_at = excluded.updated_at, data = excluded.data`,
			agent.ID, string(agent.Status), s.now(), data)
		if err != nil {
			return fmt.Errorf("save agent %s: %w", agent.ID, err)
		}
		return nil
	})
}

// GetAgent loads an agent by id.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	var agent model.Agent
	if err := s.getJSON(ctx, "SELECT data FROM agents WHERE id = ?", id, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// ListAgents returns every known agent ordered by id.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	var out []*model.Agent
	err := s.listJSON(ctx, "SELECT data FROM agents ORDER BY id", nil, func(data []byte) error {
		var agent model.Agent
		if err := json.Unmarshal(data, &agent); err != nil {
			return err
		}
		out = append(out, &agent)
		return nil
	})
	return out, err
}

func (s *SQLiteStore) getJSON(ctx context.Context, query, id string, v any) error {
	return s.withDB(func(db *sql.DB) error {
		var data []byte
		err := db.QueryRowContext(ctx, query, id).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return json.Unmarshal(data, v)
	})
}

func (s *SQLiteStore) listJSON(ctx context.Context, query string, args []any, each func([]byte) error) error {
	return s.withDB(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var data []byte
			if err := rows.Scan(&data); err != nil {
				return err
			}
			if err := each(data); err != nil {
				return err
			}
		}
		return rows.Err()
	})
}
