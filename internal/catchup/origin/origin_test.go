package origin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch v := d.(type) {
		case *uint32:
			*v = r.values[i].(uint32)
		case *string:
			*v = r.values[i].(string)
		}
	}
	return nil
}

type fakeConn struct {
	oid          uint32
	progress     string
	queryErr     error
	execErr      error
	execCalls    []string
	sessionSetup bool
}

func (c *fakeConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	c.execCalls = append(c.execCalls, sql)
	if sql == "SELECT pg_replication_origin_session_setup($1)" {
		c.sessionSetup = true
	}
	return pgconn.CommandTag{}, c.execErr
}

func (c *fakeConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if sql == "SELECT pg_replication_origin_oid($1)" {
		return fakeRow{values: []any{c.oid}, err: c.queryErr}
	}
	return fakeRow{values: []any{c.progress}, err: c.queryErr}
}

func TestSetup_OriginMissing(t *testing.T) {
	conn := &fakeConn{oid: 0}
	_, err := Setup(context.Background(), conn, "myorigin")
	if err == nil {
		t.Fatal("expected error when origin oid is 0")
	}
}

func TestSetup_Success(t *testing.T) {
	conn := &fakeConn{oid: 7, progress: "0/1600100"}
	got, err := Setup(context.Background(), conn, "myorigin")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	want, _ := pglogrepl.ParseLSN("0/1600100")
	if got != want {
		t.Errorf("previousLSN = %v, want %v", got, want)
	}
	if !conn.sessionSetup {
		t.Error("expected session setup to be called")
	}
}

func TestSetup_NoPriorProgress(t *testing.T) {
	conn := &fakeConn{oid: 7, progress: ""}
	got, err := Setup(context.Background(), conn, "myorigin")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if got != 0 {
		t.Errorf("previousLSN = %v, want 0 (Invalid)", got)
	}
}

func TestSetup_QueryError(t *testing.T) {
	conn := &fakeConn{queryErr: errors.New("boom")}
	if _, err := Setup(context.Background(), conn, "myorigin"); err == nil {
		t.Fatal("expected error to propagate")
	}
}

func TestXactSetup(t *testing.T) {
	conn := &fakeConn{}
	lsnVal, _ := pglogrepl.ParseLSN("0/1600000")
	if err := XactSetup(context.Background(), conn, lsnVal, time.Now()); err != nil {
		t.Fatalf("XactSetup: %v", err)
	}
	if len(conn.execCalls) != 1 || conn.execCalls[0] != "SELECT pg_replication_origin_xact_setup($1, $2)" {
		t.Errorf("unexpected exec calls: %v", conn.execCalls)
	}
}

func TestXactSetup_Error(t *testing.T) {
	conn := &fakeConn{execErr: errors.New("boom")}
	lsnVal, _ := pglogrepl.ParseLSN("0/1600000")
	if err := XactSetup(context.Background(), conn, lsnVal, time.Now()); err == nil {
		t.Fatal("expected error to propagate")
	}
}
