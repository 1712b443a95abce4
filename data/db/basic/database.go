package basic

import (
	"context"
	"database/sql"
	"time"

	core "eventflow/data/db"
	"eventflow/data/db/dialect"
)

// Database 基于 database/sql 的最小 core.IDatabase 实现
//
// 调用方必须确保所配置的 Driver 已通过空导入注册（例如在上层显式
// `_ "modernc.org/sqlite"`）；basic 层只负责最小抽象，不绑定具体驱动。
type Database struct {
	db      *sql.DB
	dialect dialect.Dialect
	driver  string
}

// New 根据 core.DBConfig 创建基础数据库实例
func New(config core.DBConfig) (core.IDatabase, error) {
	driver := config.Driver
	if driver == "" {
		driver = "sqlite"
	}

	sqlDB, err := sql.Open(driver, config.Database)
	if err != nil {
		return nil, err
	}

	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(config.ConnMaxLifetime) * time.Second)
	}
	if config.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(time.Duration(config.ConnMaxIdleTime) * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return &Database{db: sqlDB, dialect: dialect.New(driver), driver: driver}, nil
}

func (d *Database) Query(ctx context.Context, query string, args ...any) (core.IRows, error) {
	q := d.dialect.Rebind(query)
	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return &Rows{rows: rows}, nil
}

func (d *Database) QueryRow(ctx context.Context, query string, args ...any) core.IRow {
	q := d.dialect.Rebind(query)
	return &Row{row: d.db.QueryRowContext(ctx, q, args...)}
}

func (d *Database) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	q := d.dialect.Rebind(query)
	return d.db.ExecContext(ctx, q, args...)
}

func (d *Database) Begin(ctx context.Context) (core.ITransaction, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{db: d.db, tx: tx, dialect: d.dialect}, nil
}

func (d *Database) BeginTx(ctx context.Context, opts *sql.TxOptions) (core.ITransaction, error) {
	tx, err := d.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{db: d.db, tx: tx, dialect: d.dialect}, nil
}

func (d *Database) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }
func (d *Database) Close() error                   { return d.db.Close() }
func (d *Database) Raw() any                       { return d.db }

// GetDialectName 实现 core.IDialectNameProvider
func (d *Database) GetDialectName() string { return d.driver }

// MustExecDDL 辅助：执行建表语句（测试/启动期初始化用）
func (d *Database) MustExecDDL(stmt string) error {
	_, err := d.db.Exec(stmt)
	return err
}

// Rows 包装 sql.Rows 以实现 core.IRows
type Rows struct{ rows *sql.Rows }

func (r *Rows) Next() bool                              { return r.rows.Next() }
func (r *Rows) Scan(dest ...any) error                  { return r.rows.Scan(dest...) }
func (r *Rows) Close() error                             { return r.rows.Close() }
func (r *Rows) Err() error                               { return r.rows.Err() }
func (r *Rows) Columns() ([]string, error)               { return r.rows.Columns() }
func (r *Rows) ColumnTypes() ([]*sql.ColumnType, error)  { return r.rows.ColumnTypes() }

// Row 包装 sql.Row 以实现 core.IRow
type Row struct{ row *sql.Row }

func (r *Row) Scan(dest ...any) error { return r.row.Scan(dest...) }
func (r *Row) Err() error             { return nil }
