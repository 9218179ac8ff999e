// Package archive is the ZIP-based codec that the Dump and Load
// Orchestrators use to read and write a snapshot's on-disk
// representation: schema.sql, sequences.sql (PostgreSQL only), and one
// data/<table>.csv per exported table. Member names and write order are
// fixed so that two runs over the same snapshot with the same request
// produce byte-identical archives.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/hongkongkiwi/dbsnap/internal/config"
)

const (
	schemaMember    = "dump/schema.sql"
	sequencesMember = "dump/sequences.sql"
	dataPrefix      = "dump/data/"
)

func dataMember(table string) string {
	return dataPrefix + table + ".csv"
}

// Writer appends archive members in the fixed order the Dump Orchestrator
// calls them in: schema, sequences, then one data file per table. Writer is
// not safe for concurrent use; C4 drives it from a single goroutine because
// every CSV export is already serialized on one DB transaction.
type Writer struct {
	f         *os.File
	zw        *zip.Writer
	method    uint16
	wroteData bool
}

// NewWriter creates path (truncating any existing file) and prepares a ZIP
// writer using compression.
func NewWriter(path string, compression config.Compression) (*Writer, error) {
	registerCompressors()
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	return &Writer{f: f, zw: zip.NewWriter(f), method: zipMethod(compression)}, nil
}

func (w *Writer) createEntry(name string) (io.Writer, error) {
	hdr := &zip.FileHeader{Name: name, Method: w.method}
	return w.zw.CreateHeader(hdr)
}

// WriteSchema writes dump/schema.sql. Must be called before WriteSequences
// or TableCSVWriter to preserve the fixed member order.
func (w *Writer) WriteSchema(schemaSQL []byte) error {
	ew, err := w.createEntry(schemaMember)
	if err != nil {
		return err
	}
	_, err = ew.Write(schemaSQL)
	return err
}

// WriteSequences writes dump/sequences.sql. Callers skip this entirely for
// SQLite dumps, where DumpSequences returns nil.
func (w *Writer) WriteSequences(sequencesSQL []byte) error {
	if len(sequencesSQL) == 0 {
		return nil
	}
	ew, err := w.createEntry(sequencesMember)
	if err != nil {
		return err
	}
	_, err = ew.Write(sequencesSQL)
	return err
}

// TableCSVWriter returns an io.Writer for dump/data/<table>.csv. The caller
// (C4) streams a single table's CopyToCSV output directly into it.
func (w *Writer) TableCSVWriter(table string) (io.Writer, error) {
	w.wroteData = true
	return w.createEntry(dataMember(table))
}

// Close finalizes the central directory and closes the underlying file.
func (w *Writer) Close() error {
	if err := w.zw.Close(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// Reader gives random-access lookup by member name.
type Reader struct {
	zr     *zip.ReadCloser
	byName map[string]*zip.File
}

// OpenReader opens path for reading.
func OpenReader(path string) (*Reader, error) {
	registerCompressors()
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	byName := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		byName[f.Name] = f
	}
	return &Reader{zr: zr, byName: byName}, nil
}

func (r *Reader) Close() error { return r.zr.Close() }

// HasSchema reports whether the archive carries dump/schema.sql.
func (r *Reader) HasSchema() bool {
	_, ok := r.byName[schemaMember]
	return ok
}

// HasSequences reports whether the archive carries dump/sequences.sql.
func (r *Reader) HasSequences() bool {
	_, ok := r.byName[sequencesMember]
	return ok
}

// Schema returns the contents of dump/schema.sql, or nil if absent.
func (r *Reader) Schema() ([]byte, error) {
	return r.readMember(schemaMember)
}

// Sequences returns the contents of dump/sequences.sql, or nil if absent.
func (r *Reader) Sequences() ([]byte, error) {
	return r.readMember(sequencesMember)
}

func (r *Reader) readMember(name string) ([]byte, error) {
	f, ok := r.byName[name]
	if !ok {
		return nil, nil
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Tables lists every table with a data/<table>.csv member, in the archive's
// on-disk order (the order C4 wrote them in: full tables by input order,
// then expanded partial tables sorted by name).
func (r *Reader) Tables() []string {
	tables := make([]string, 0)
	for _, f := range r.zr.File {
		if strings.HasPrefix(f.Name, dataPrefix) && strings.HasSuffix(f.Name, ".csv") {
			name := strings.TrimSuffix(strings.TrimPrefix(f.Name, dataPrefix), ".csv")
			tables = append(tables, name)
		}
	}
	return tables
}

// TableCSVReader opens the data/<table>.csv member for streaming read. The
// caller is responsible for closing the returned ReadCloser.
func (r *Reader) TableCSVReader(table string) (io.ReadCloser, error) {
	f, ok := r.byName[dataMember(table)]
	if !ok {
		return nil, fmt.Errorf("archive has no data file for table %q", table)
	}
	return f.Open()
}

// SortedTableNames returns names sorted ascending, used to compute the
// deterministic expanded-partial-table emission order.
func SortedTableNames(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}
