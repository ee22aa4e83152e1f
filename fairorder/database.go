package fairorder

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type DBPool struct {
	ID            string    `db:"id"`
	Chain         string    `db:"chain"`
	Active        bool      `db:"active"`
	Name          string    `db:"name"`
	Description   string    `db:"description"`
	Algorithm     string    `db:"algorithm"`
	BatchSize     int       `db:"batch_size"`
	MevProtection bool      `db:"mev_protection"`
	FairnessLevel string    `db:"fairness_level"`
	MaxSlippage   float64   `db:"max_slippage"`
	Parameters    []byte    `db:"parameters"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

var insertPoolQuery = `
INSERT INTO ordering_pool (id, chain, active, name, description, algorithm, batch_size,
                           mev_protection, fairness_level, max_slippage, parameters, created_at, updated_at)
VALUES (:id, :chain, :active, :name, :description, :algorithm, :batch_size,
        :mev_protection, :fairness_level, :max_slippage, :parameters, :created_at, :updated_at)`

var updatePoolQuery = `
UPDATE ordering_pool
SET active = :active, name = :name, description = :description, algorithm = :algorithm,
    batch_size = :batch_size, mev_protection = :mev_protection, fairness_level = :fairness_level,
    max_slippage = :max_slippage, parameters = :parameters, updated_at = :updated_at
WHERE id = :id`

var listPoolsQuery = `
SELECT id, chain, active, name, description, algorithm, batch_size,
       mev_protection, fairness_level, max_slippage, parameters, created_at, updated_at
FROM ordering_pool
WHERE $1 = '' OR chain = $1
ORDER BY created_at`

type DBBatch struct {
	BatchID   string    `db:"batch_id"`
	PoolID    string    `db:"pool_id"`
	Chain     string    `db:"chain"`
	Algorithm string    `db:"algorithm"`
	BatchSize int       `db:"batch_size"`
	Seed      []byte    `db:"seed"`
	Outcomes  []byte    `db:"outcomes"`
	CreatedAt time.Time `db:"created_at"`
}

var insertBatchQuery = `
INSERT INTO batch_result (batch_id, pool_id, chain, algorithm, batch_size, seed, outcomes, created_at)
VALUES (:batch_id, :pool_id, :chain, :algorithm, :batch_size, :seed, :outcomes, :created_at)
ON CONFLICT (batch_id) DO NOTHING`

// DBBackend persists pool configs and batch history in postgres.
type DBBackend struct {
	db *sqlx.DB

	insertPool  *sqlx.NamedStmt
	updatePool  *sqlx.NamedStmt
	listPools   *sqlx.Stmt
	insertBatch *sqlx.NamedStmt
}

func NewDBBackend(postgresDSN string) (*DBBackend, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(20)

	insertPool, err := db.PrepareNamed(insertPoolQuery)
	if err != nil {
		return nil, err
	}
	updatePool, err := db.PrepareNamed(updatePoolQuery)
	if err != nil {
		return nil, err
	}
	listPools, err := db.Preparex(listPoolsQuery)
	if err != nil {
		return nil, err
	}
	insertBatch, err := db.PrepareNamed(insertBatchQuery)
	if err != nil {
		return nil, err
	}

	return &DBBackend{
		db:          db,
		insertPool:  insertPool,
		updatePool:  updatePool,
		listPools:   listPools,
		insertBatch: insertBatch,
	}, nil
}

func (b *DBBackend) InsertPool(ctx context.Context, pool *OrderingPool) error {
	row, err := dbPoolFrom(pool)
	if err != nil {
		return err
	}
	_, err = b.insertPool.ExecContext(ctx, row)
	return err
}

func (b *DBBackend) UpdatePool(ctx context.Context, pool *OrderingPool) error {
	row, err := dbPoolFrom(pool)
	if err != nil {
		return err
	}
	_, err = b.updatePool.ExecContext(ctx, row)
	return err
}

func (b *DBBackend) ListPools(ctx context.Context, chain string) ([]*OrderingPool, error) {
	var rows []DBPool
	if err := b.listPools.SelectContext(ctx, &rows, chain); err != nil {
		return nil, err
	}
	pools := make([]*OrderingPool, 0, len(rows))
	for _, row := range rows {
		pool, err := row.toPool()
		if err != nil {
			return nil, err
		}
		pools = append(pools, pool)
	}
	return pools, nil
}

func (b *DBBackend) InsertBatchResult(ctx context.Context, result *BatchResult) error {
	outcomes, err := json.Marshal(result.Outcomes)
	if err != nil {
		return err
	}
	row := DBBatch{
		BatchID:   result.BatchID,
		PoolID:    result.PoolID,
		Chain:     result.Chain,
		Algorithm: string(result.Algorithm),
		BatchSize: result.BatchSize,
		Seed:      result.Seed,
		Outcomes:  outcomes,
		CreatedAt: result.CreatedAt,
	}
	_, err = b.insertBatch.ExecContext(ctx, row)
	return err
}

func (b *DBBackend) Close() error {
	return b.db.Close()
}

func dbPoolFrom(pool *OrderingPool) (*DBPool, error) {
	params, err := json.Marshal(pool.Config.Parameters)
	if err != nil {
		return nil, err
	}
	return &DBPool{
		ID:            pool.ID,
		Chain:         pool.Chain,
		Active:        pool.Active,
		Name:          pool.Config.Name,
		Description:   pool.Config.Description,
		Algorithm:     string(pool.Config.Algorithm),
		BatchSize:     pool.Config.BatchSize,
		MevProtection: pool.Config.MevProtection,
		FairnessLevel: string(pool.Config.FairnessLevel),
		MaxSlippage:   pool.Config.MaxSlippage,
		Parameters:    params,
		CreatedAt:     pool.CreatedAt,
		UpdatedAt:     pool.UpdatedAt,
	}, nil
}

func (row *DBPool) toPool() (*OrderingPool, error) {
	var params map[string]string
	if len(row.Parameters) > 0 {
		if err := json.Unmarshal(row.Parameters, &params); err != nil {
			return nil, err
		}
	}
	return &OrderingPool{
		ID:        row.ID,
		Chain:     row.Chain,
		Active:    row.Active,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
		Config: PoolConfig{
			Name:          row.Name,
			Description:   row.Description,
			Algorithm:     OrderingAlgorithm(row.Algorithm),
			BatchSize:     row.BatchSize,
			MevProtection: row.MevProtection,
			FairnessLevel: FairnessLevel(row.FairnessLevel),
			MaxSlippage:   row.MaxSlippage,
			Parameters:    params,
		},
	}, nil
}
