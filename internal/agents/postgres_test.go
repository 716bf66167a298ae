package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

type mockRows struct {
	data   [][]any
	idx    int
	err    error
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error { return scanInto(r.data[r.idx-1], dest) }

func scanInto(row []any, dest []any) error {
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *[]byte:
			*d = v.([]byte)
		case *bool:
			*d = v.(bool)
		case *time.Time:
			*d = v.(time.Time)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	pingErr      error
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func (m *mockDB) Ping(context.Context) error { return m.pingErr }

var fixedTime = time.Date(2025, 7, 5, 21, 14, 58, 0, time.UTC)

func agentRow(id, name string, modes string, test bool) []any {
	return []any{id, name, "desc " + id, "sage", "be helpful", []byte(modes), test, fixedTime, fixedTime}
}

func TestPostgres_Migrate(t *testing.T) {
	t.Parallel()
	var gotSQL string
	s := NewPostgres(&mockDB{execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
		gotSQL = sql
		return pgconn.CommandTag{}, nil
	}})
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if !strings.Contains(gotSQL, "CREATE TABLE IF NOT EXISTS agent_definitions") {
		t.Errorf("unexpected DDL: %s", gotSQL)
	}

	s = NewPostgres(&mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("permission denied")
	}})
	if err := s.Migrate(context.Background()); err == nil || !strings.Contains(err.Error(), "agents: migrate") {
		t.Errorf("Migrate err = %v", err)
	}
}

func TestPostgres_Get(t *testing.T) {
	t.Parallel()

	t.Run("found", func(t *testing.T) {
		t.Parallel()
		var gotID any
		s := NewPostgres(&mockDB{queryRowFunc: func(_ context.Context, _ string, args ...any) pgx.Row {
			gotID = args[0]
			return &mockRow{scanFunc: func(dest ...any) error {
				return scanInto(agentRow("tutor", "Tutor", `["voice","text"]`, true), dest)
			}}
		}})
		a, err := s.Get(context.Background(), "tutor")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if gotID != "tutor" {
			t.Errorf("query arg = %v, want tutor", gotID)
		}
		if a.Name != "Tutor" || a.Voice != "sage" || !a.IsTestAgent {
			t.Errorf("agent = %+v", a)
		}
		if len(a.SupportedModes) != 2 || a.SupportedModes[1] != "text" {
			t.Errorf("SupportedModes = %v", a.SupportedModes)
		}
		if !a.CreatedAt.Equal(fixedTime) {
			t.Errorf("CreatedAt = %v", a.CreatedAt)
		}
	})

	t.Run("not found", func(t *testing.T) {
		t.Parallel()
		s := NewPostgres(&mockDB{})
		_, err := s.Get(context.Background(), "nope")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("db error", func(t *testing.T) {
		t.Parallel()
		s := NewPostgres(&mockDB{queryRowFunc: func(context.Context, string, ...any) pgx.Row {
			return &mockRow{scanFunc: func(...any) error { return errors.New("conn reset") }}
		}})
		_, err := s.Get(context.Background(), "x")
		if err == nil || errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want a non-NotFound error", err)
		}
	})

	t.Run("bad modes json", func(t *testing.T) {
		t.Parallel()
		s := NewPostgres(&mockDB{queryRowFunc: func(context.Context, string, ...any) pgx.Row {
			return &mockRow{scanFunc: func(dest ...any) error {
				return scanInto(agentRow("x", "X", `{not json`, false), dest)
			}}
		}})
		if _, err := s.Get(context.Background(), "x"); err == nil {
			t.Error("expected unmarshal error")
		}
	})
}

func TestPostgres_List(t *testing.T) {
	t.Parallel()
	rows := &mockRows{data: [][]any{
		agentRow("a", "Alpha", `[]`, false),
		agentRow("b", "Beta", `["voice"]`, true),
	}}
	s := NewPostgres(&mockDB{queryFunc: func(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
		if !strings.Contains(sql, "ORDER BY name") {
			t.Errorf("list query is not ordered: %s", sql)
		}
		return rows, nil
	}})

	list, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Fatalf("list = %+v", list)
	}
	if !rows.closed {
		t.Error("rows not closed")
	}

	empty := NewPostgres(&mockDB{})
	list, err = empty.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if list == nil || len(list) != 0 {
		t.Errorf("empty list = %#v, want non-nil empty", list)
	}

	failing := NewPostgres(&mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
		return &mockRows{err: errors.New("broken pipe")}, nil
	}})
	if _, err := failing.List(context.Background()); err == nil {
		t.Error("expected rows.Err to surface")
	}
}

func TestPostgres_Ping(t *testing.T) {
	t.Parallel()
	if err := NewPostgres(&mockDB{}).Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	err := NewPostgres(&mockDB{pingErr: errors.New("dial tcp: refused")}).Ping(context.Background())
	if err == nil || !strings.Contains(err.Error(), "agents: ping") {
		t.Errorf("Ping err = %v", err)
	}
}

func TestPostgres_Upsert(t *testing.T) {
	t.Parallel()
	var gotArgs []any
	s := NewPostgres(&mockDB{queryRowFunc: func(_ context.Context, sql string, args ...any) pgx.Row {
		if !strings.Contains(sql, "ON CONFLICT (id) DO UPDATE") {
			t.Errorf("not an upsert: %s", sql)
		}
		gotArgs = args
		return &mockRow{scanFunc: func(dest ...any) error {
			return scanInto([]any{fixedTime, fixedTime}, dest)
		}}
	}})

	a := &Agent{ID: "tutor", Name: "Tutor", IsTestAgent: true}
	if err := s.Upsert(context.Background(), a); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if string(gotArgs[5].([]byte)) != "[]" {
		t.Errorf("supported_modes arg = %s, want []", gotArgs[5])
	}
	if gotArgs[6] != true {
		t.Errorf("is_test_agent arg = %v, want true", gotArgs[6])
	}
	if !a.UpdatedAt.Equal(fixedTime) {
		t.Errorf("UpdatedAt = %v", a.UpdatedAt)
	}

	if err := s.Upsert(context.Background(), &Agent{ID: "x"}); err == nil {
		t.Error("Upsert without name succeeded")
	}
}
