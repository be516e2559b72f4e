package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

type Tx interface{}

// TransactionManager provides a thin abstraction to execute a function within a
// database transaction, passing the underlying transaction handle via `tx`.
//
// Repositories accept a Tx and must gracefully accept `nil` (non-transactional
// path). The concrete type of the handle is infra-defined (pgx.Tx for
// Postgres). Keeping the handle opaque means the scheduler and processors
// never see a driver type.
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
