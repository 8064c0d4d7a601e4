// Package testutil opens throwaway databases carrying the production schema.
package testutil

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/clientportal/internal/migration"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

// OpenDB returns an in-memory sqlite database with all migrations applied.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared&_pragma=foreign_keys(1)", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Discard,
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := migration.ApplyStatements(context.Background(), sqlDB); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return db
}

func Node(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	return node
}

// ProjectSeed describes a project row inserted by SeedProject.
type ProjectSeed struct {
	ID          snowflake.ID
	WorkspaceID snowflake.ID
	ClientID    snowflake.ID
	Name        string
	ClientName  string
	ClientEmail string
}

func SeedProject(t *testing.T, db *gorm.DB, p ProjectSeed) {
	t.Helper()
	if p.Name == "" {
		p.Name = "Website"
	}
	now := time.Now().UTC()
	err := db.Exec(
		`INSERT INTO projects (id, workspace_id, client_id, name, client_name, client_email, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.Int64(), p.WorkspaceID.Int64(), p.ClientID.Int64(), p.Name, p.ClientName, p.ClientEmail, now, now,
	).Error
	if err != nil {
		t.Fatalf("seed project: %v", err)
	}
}

// AssertCount fails the test when table does not hold want rows.
func AssertCount(t *testing.T, db *gorm.DB, table string, want int64) {
	t.Helper()
	var got int64
	if err := db.Table(table).Count(&got).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	if got != want {
		t.Fatalf("expected %d rows in %s, got %d", want, table, got)
	}
}
