package archive

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongkongkiwi/dbsnap/internal/config"
)

func writeSampleArchive(t *testing.T, compression config.Compression) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshot.zip")

	w, err := NewWriter(path, compression)
	require.NoError(t, err)

	require.NoError(t, w.WriteSchema([]byte("CREATE TABLE widgets (id INTEGER PRIMARY KEY);")))
	require.NoError(t, w.WriteSequences([]byte("SELECT setval('widgets_id_seq', 2, true);")))

	cw, err := w.TableCSVWriter("widgets")
	require.NoError(t, err)
	_, err = cw.Write([]byte("id\n1\n2\n"))
	require.NoError(t, err)

	require.NoError(t, w.Close())
	return path
}

func TestWriterReader_RoundTrip(t *testing.T) {
	for _, compression := range []config.Compression{
		config.CompressionStored,
		config.CompressionDeflated,
		config.CompressionBzip2,
		config.CompressionLZMA,
	} {
		t.Run(string(compression), func(t *testing.T) {
			path := writeSampleArchive(t, compression)

			r, err := OpenReader(path)
			require.NoError(t, err)
			defer r.Close()

			assert.True(t, r.HasSchema())
			assert.True(t, r.HasSequences())

			schema, err := r.Schema()
			require.NoError(t, err)
			assert.Contains(t, string(schema), "CREATE TABLE widgets")

			sequences, err := r.Sequences()
			require.NoError(t, err)
			assert.Contains(t, string(sequences), "setval")

			assert.Equal(t, []string{"widgets"}, r.Tables())

			rc, err := r.TableCSVReader("widgets")
			require.NoError(t, err)
			defer rc.Close()
		})
	}
}

func TestReader_MissingSequencesIsNotAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "no-sequences.zip")
	w, err := NewWriter(path, config.CompressionDeflated)
	require.NoError(t, err)
	require.NoError(t, w.WriteSchema([]byte("CREATE TABLE t (id INTEGER);")))
	require.NoError(t, w.WriteSequences(nil))
	require.NoError(t, w.Close())

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	assert.False(t, r.HasSequences())
	seq, err := r.Sequences()
	require.NoError(t, err)
	assert.Nil(t, seq)
}

func TestSortedTableNames(t *testing.T) {
	assert.Equal(t, []string{"accounts", "orders", "users"}, SortedTableNames([]string{"users", "accounts", "orders"}))
}
