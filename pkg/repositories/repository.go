package repositories

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/database"
)

// Repository holds what every table repository needs.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

func (r *Repository) DB() database.DB {
	return r.db
}

// q returns the transaction open on ctx, if any, so repository calls compose inside WithTx.
func (r *Repository) q(ctx context.Context) database.Querier {
	return r.db.Executor(ctx)
}

func internalError(message string) error {
	return httperror.NewHTTPError(http.StatusInternalServerError, message)
}
