package resolver

import (
	"context"
	"fmt"
	"testing"

	"github.com/hongkongkiwi/dbsnap/internal/config"
)

// BenchmarkExpand_LongChain measures fixpoint convergence cost over a
// hop-chain of tables (t0 -> t1 -> ... -> tN).
func BenchmarkExpand_LongChain(b *testing.B) {
	const chainLength = 200

	fks := make(map[string][]config.ForeignKeyDescriptor, chainLength)
	for i := 0; i < chainLength-1; i++ {
		from := fmt.Sprintf("t%d", i)
		to := fmt.Sprintf("t%d", i+1)
		fks[from] = []config.ForeignKeyDescriptor{
			{Table: from, Column: "parent_id", ForeignTable: to, ForeignColumn: "id"},
		}
	}
	fb := &fakeBackend{fks: fks}
	r := New(fb)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, err := r.Expand(context.Background(), nil, map[string]string{
			"t0": "SELECT * FROM t0 WHERE active = true",
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkExpand_WideFanout measures a single table referenced by many
// independent tables, each contributing a distinct UNION arm.
func BenchmarkExpand_WideFanout(b *testing.B) {
	const fanout = 200

	fks := make(map[string][]config.ForeignKeyDescriptor, fanout)
	partial := make(map[string]string, fanout)
	for i := 0; i < fanout; i++ {
		src := fmt.Sprintf("s%d", i)
		fks[src] = []config.ForeignKeyDescriptor{
			{Table: src, Column: "shared_id", ForeignTable: "shared", ForeignColumn: "id"},
		}
		partial[src] = fmt.Sprintf("SELECT * FROM %s WHERE active = true", src)
	}
	fb := &fakeBackend{fks: fks}
	r := New(fb)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, err := r.Expand(context.Background(), nil, partial)
		if err != nil {
			b.Fatal(err)
		}
	}
}
