// Package sql 提供事件日志的 SQL 持久化实现
package sql

import (
	"context"

	"eventflow/data/db"
	"eventflow/data/db/dialect"
)

// SQLEventStore 基于通用 SQL 接口的事件日志实现
//
// 表结构（见 schema.go 的 DDL）：每一行是一个分区内的事件，
// UNIQUE(domain, key, sequence) 保证分区内编号不重复，
// UNIQUE(domain, event_id) 保证跨分区的幂等去重，
// 自增主键 global_offset 天然给出 ReplayAll 所需的写入总序。
type SQLEventStore struct {
	db        db.IDatabase
	dialect   dialect.Dialect
	tableName string
}

// Options SQL 事件日志构造选项
type Options struct {
	TableName string
}

func New(database db.IDatabase, opts Options) *SQLEventStore {
	if database == nil {
		panic("sql.New: db cannot be nil")
	}
	tableName := opts.TableName
	if tableName == "" {
		tableName = "event_store"
	}
	return &SQLEventStore{
		db:        database,
		dialect:   dialect.FromDatabase(database),
		tableName: tableName,
	}
}

func (s *SQLEventStore) Init(ctx context.Context) error { return s.db.Ping(ctx) }
func (s *SQLEventStore) GetDB() db.IDatabase            { return s.db }
func (s *SQLEventStore) GetTableName() string           { return s.tableName }
