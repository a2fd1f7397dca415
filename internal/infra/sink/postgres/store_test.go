package postgres

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tickcapture/errs"
	"github.com/coachpo/tickcapture/internal/domain/schema"
	"github.com/coachpo/tickcapture/internal/infra/config"
)

func TestTickStoreNilPool(t *testing.T) {
	store := NewTickStore(nil)
	ctx := context.Background()
	if store.Pool() != nil {
		t.Fatalf("expected nil pool passthrough")
	}
	if err := store.WriteTick(ctx, schema.Tick{}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, _, err := store.LatestTick(ctx, "A", "X"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.CountTradingDay(ctx, "20240614"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}

func TestOpenRejectsMalformedDSN(t *testing.T) {
	_, err := Open(context.Background(), config.DatabaseConfig{DSN: "postgres://%zz"})
	if !errs.HasCode(err, errs.CodeConfigInvalid) {
		t.Fatalf("expected config_invalid, got %v", err)
	}
}

func TestNumericConversions(t *testing.T) {
	zero, err := numericFromDecimal(decimal.Zero)
	if err != nil || zero.Valid {
		t.Fatalf("zero decimal should map to NULL, got %+v err=%v", zero, err)
	}
	n, err := numericFromDecimal(decimal.RequireFromString("0.2"))
	if err != nil {
		t.Fatalf("numericFromDecimal: %v", err)
	}
	if !n.Valid {
		t.Fatalf("expected valid numeric")
	}
	var check pgtype.Numeric
	if err := check.Scan("0.2"); err != nil || check.Int.Cmp(n.Int) != 0 || check.Exp != n.Exp {
		t.Fatalf("unexpected numeric encoding %+v", n)
	}

	raw := "300"
	d, err := decimalFromText(&raw)
	if err != nil || !d.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("decimalFromText: %v %v", d, err)
	}
	d, err = decimalFromText(nil)
	if err != nil || !d.IsZero() {
		t.Fatalf("nil text should be zero, got %v %v", d, err)
	}
	bad := "abc"
	if _, err := decimalFromText(&bad); err == nil {
		t.Fatalf("expected parse error")
	}
}
