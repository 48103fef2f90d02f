package ddl

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"pefs/internal/errs"
)

// Beginner starts a transaction. *pg.Session satisfies it.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Replayer executes captured definitions against the target server.
type Replayer struct {
	DB Beginner
}

// ReplayFile splits text and executes each statement in order inside a
// single transaction, committing once the whole sequence succeeded. The
// first rejected statement rolls the file back and is reported as
// *errs.DdlReplayError with its position in the sequence. It returns the
// number of statements executed.
func (r *Replayer) ReplayFile(ctx context.Context, name string, text []byte) (n int, err error) {
	stmts := Split(string(text))

	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("replay %s: begin: %w", name, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	for i, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return i, &errs.DdlReplayError{File: name, Index: i, Statement: stmt, Err: err}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return len(stmts), fmt.Errorf("replay %s: commit: %w", name, err)
	}
	return len(stmts), nil
}
