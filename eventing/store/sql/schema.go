package sql

import "fmt"

// Schema 返回建表 DDL，调用方在启动期或测试 fixture 中执行
//
// global_offset 的自增语义由具体驱动提供（SQLite/MySQL 均支持
// INTEGER PRIMARY KEY AUTOINCREMENT 或等价行为），用它承载 ReplayAll
// 所需的写入总序，避免在应用层重新计算一遍。
func (s *SQLEventStore) Schema() string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    global_offset  INTEGER PRIMARY KEY AUTOINCREMENT,
    domain         TEXT NOT NULL,
    key            TEXT NOT NULL,
    sequence       INTEGER NOT NULL,
    event_id       TEXT NOT NULL,
    event_type     TEXT NOT NULL,
    event_version  TEXT NOT NULL,
    source         TEXT,
    correlation_id TEXT,
    saga_meta      TEXT,
    payload        TEXT,
    metadata       TEXT,
    created_at     TIMESTAMP NOT NULL,
    UNIQUE(domain, key, sequence),
    UNIQUE(domain, event_id)
);
CREATE INDEX IF NOT EXISTS idx_%s_domain_offset ON %s (domain, global_offset);
`, s.tableName, s.tableName, s.tableName)
}
