package resolver

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongkongkiwi/dbsnap/internal/backend"
	"github.com/hongkongkiwi/dbsnap/internal/config"
)

// fakeBackend implements backend.Backend with a static foreign-key graph;
// every method the resolver doesn't exercise panics if called, so a test
// relying on unintended behavior fails loudly instead of silently passing.
type fakeBackend struct {
	fks map[string][]config.ForeignKeyDescriptor
}

func (f *fakeBackend) ListForeignKeys(ctx context.Context, table string) ([]config.ForeignKeyDescriptor, error) {
	return f.fks[table], nil
}

func (f *fakeBackend) Engine() config.Engine { return config.EnginePostgres }
func (f *fakeBackend) Open(ctx context.Context, conn config.DatabaseConfig) error { panic("not used") }
func (f *fakeBackend) Close() error                                              { panic("not used") }
func (f *fakeBackend) Run(ctx context.Context, sqlText string, args ...any) (*backend.ResultSet, error) {
	panic("not used")
}
func (f *fakeBackend) RunMany(ctx context.Context, script string) error { panic("not used") }
func (f *fakeBackend) Begin(ctx context.Context) error                 { panic("not used") }
func (f *fakeBackend) Commit() error                                   { panic("not used") }
func (f *fakeBackend) Rollback() error                                 { panic("not used") }
func (f *fakeBackend) DumpSchema(ctx context.Context) ([]byte, error)  { panic("not used") }
func (f *fakeBackend) DumpSequences(ctx context.Context) ([]byte, error) {
	panic("not used")
}
func (f *fakeBackend) CopyToCSV(ctx context.Context, sqlText string, w io.Writer) error {
	panic("not used")
}
func (f *fakeBackend) CopyFromCSV(ctx context.Context, table string, r io.Reader) error {
	panic("not used")
}
func (f *fakeBackend) ListTables(ctx context.Context) ([]string, error) { panic("not used") }
func (f *fakeBackend) DropConnections(ctx context.Context, dbName string) error {
	panic("not used")
}
func (f *fakeBackend) DropDatabase(ctx context.Context, dbName string) error { panic("not used") }
func (f *fakeBackend) CreateDatabase(ctx context.Context, dbName, owner string) error {
	panic("not used")
}
func (f *fakeBackend) TruncateAll(ctx context.Context) error { panic("not used") }
func (f *fakeBackend) RecreateDatabase(ctx context.Context, dbName, owner string) error {
	panic("not used")
}

var _ backend.Backend = (*fakeBackend)(nil)

func TestExpand_SingleHop(t *testing.T) {
	fb := &fakeBackend{fks: map[string][]config.ForeignKeyDescriptor{
		"orders": {
			{Table: "orders", Column: "customer_id", ForeignTable: "customers", ForeignColumn: "id"},
		},
	}}
	r := New(fb)

	result, err := r.Expand(context.Background(), nil, map[string]string{
		"orders": "SELECT * FROM orders WHERE region = 'west'",
	})
	require.NoError(t, err)
	assert.Contains(t, result.Expanded, "customers")
	assert.Contains(t, result.Expanded["customers"], "SELECT * FROM customers")
	assert.Contains(t, result.Expanded["customers"], "orders_src")
	assert.Empty(t, result.Warnings)
}

func TestExpand_LongHopChain(t *testing.T) {
	fb := &fakeBackend{fks: map[string][]config.ForeignKeyDescriptor{
		"orders":       {{Table: "orders", Column: "customer_id", ForeignTable: "customers", ForeignColumn: "id"}},
		"customers":    {{Table: "customers", Column: "region_id", ForeignTable: "regions", ForeignColumn: "id"}},
		"regions":      {{Table: "regions", Column: "country_id", ForeignTable: "countries", ForeignColumn: "id"}},
		"countries":    nil,
	}}
	r := New(fb)

	result, err := r.Expand(context.Background(), nil, map[string]string{
		"orders": "SELECT * FROM orders WHERE region = 'west'",
	})
	require.NoError(t, err)
	assert.Contains(t, result.Expanded, "customers")
	assert.Contains(t, result.Expanded, "regions")
	assert.Contains(t, result.Expanded, "countries")
}

func TestExpand_SkipsTablesAlreadyFull(t *testing.T) {
	fb := &fakeBackend{fks: map[string][]config.ForeignKeyDescriptor{
		"orders": {{Table: "orders", Column: "customer_id", ForeignTable: "customers", ForeignColumn: "id"}},
	}}
	r := New(fb)

	result, err := r.Expand(context.Background(), []string{"customers"}, map[string]string{
		"orders": "SELECT * FROM orders",
	})
	require.NoError(t, err)
	assert.NotContains(t, result.Expanded, "customers")
}

func TestExpand_RecursiveSelfReference(t *testing.T) {
	fb := &fakeBackend{fks: map[string][]config.ForeignKeyDescriptor{
		"employees": {{Table: "employees", Column: "manager_id", ForeignTable: "employees", ForeignColumn: "id"}},
	}}
	r := New(fb)

	result, err := r.Expand(context.Background(), nil, map[string]string{
		"employees": "SELECT * FROM employees WHERE department = 'eng'",
	})
	require.NoError(t, err)
	assert.Contains(t, result.Expanded["employees"], "WITH RECURSIVE rcte")
	assert.Contains(t, result.Expanded["employees"], "department = 'eng'")
	assert.Contains(t, result.Expanded["employees"], "rcte.manager_id = employees.id")
}

func TestExpand_CompositeForeignKeyProducesWarningNotExpansion(t *testing.T) {
	fb := &fakeBackend{fks: map[string][]config.ForeignKeyDescriptor{
		"order_items": {
			{Table: "order_items", Column: "order_id", ForeignTable: "orders", ForeignColumn: "id", CompositeWarn: true},
		},
	}}
	r := New(fb)

	result, err := r.Expand(context.Background(), nil, map[string]string{
		"order_items": "SELECT * FROM order_items",
	})
	require.NoError(t, err)
	assert.NotContains(t, result.Expanded, "orders")
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "composite foreign key")
}

func TestExpand_ConvergesWithoutInfiniteUnionGrowth(t *testing.T) {
	fb := &fakeBackend{fks: map[string][]config.ForeignKeyDescriptor{
		"orders": {{Table: "orders", Column: "customer_id", ForeignTable: "customers", ForeignColumn: "id"}},
	}}
	r := New(fb)

	result, err := r.Expand(context.Background(), nil, map[string]string{
		"orders": "SELECT * FROM orders",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(result.Expanded["customers"], "SELECT * FROM customers"))
}

func TestExpand_ReferentAlreadyPartialKeepsUserQuery(t *testing.T) {
	fb := &fakeBackend{fks: map[string][]config.ForeignKeyDescriptor{
		"orders":    {{Table: "orders", Column: "customer_id", ForeignTable: "customers", ForeignColumn: "id"}},
		"customers": nil,
	}}
	r := New(fb)

	result, err := r.Expand(context.Background(), nil, map[string]string{
		"orders":    "SELECT * FROM orders WHERE region = 'west'",
		"customers": "SELECT * FROM customers WHERE vip = true",
	})
	require.NoError(t, err)

	// The referent's own user-supplied query must survive as a UNION arm,
	// not be discarded in favor of only the FK-derived clause.
	assert.Contains(t, result.Expanded["customers"], "vip = true")
	assert.Contains(t, result.Expanded["customers"], "orders_src")
	assert.Contains(t, result.Expanded["customers"], "UNION")
}

func TestEmissionOrder(t *testing.T) {
	order := EmissionOrder([]string{"a", "b"}, map[string]string{"z": "", "y": ""})
	assert.Equal(t, []string{"a", "b", "y", "z"}, order)
}
