package archive

import (
	"archive/zip"
	"io"
	"sync"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/flate"
	"github.com/ulikunitz/xz/lzma"

	"github.com/hongkongkiwi/dbsnap/internal/config"
)

// Non-standard zip.Method values for the two compressors archive/zip does
// not register by default. 0 and 8 are reserved (Store, Deflate); these two
// are taken from the informal registry of third-party zip implementations
// that have also needed extra methods (no official IANA-style allocation
// exists for Go's archive/zip).
const (
	methodBzip2 uint16 = 12
	methodLZMA  uint16 = 14
)

var registerOnce sync.Once

// registerCompressors wires klauspost/compress, dsnet/compress, and
// ulikunitz/xz into archive/zip's pluggable compressor hook, the same
// RegisterCompressor extension point the stdlib documents for adding
// algorithms beyond Store/Deflate.
func registerCompressors() {
	registerOnce.Do(func() {
		zip.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(w, flate.DefaultCompression)
		})
		zip.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
			return flate.NewReader(r)
		})

		zip.RegisterCompressor(methodBzip2, func(w io.Writer) (io.WriteCloser, error) {
			return bzip2.NewWriter(w, &bzip2.WriterConfig{Level: 6})
		})
		zip.RegisterDecompressor(methodBzip2, func(r io.Reader) io.ReadCloser {
			zr, err := bzip2.NewReader(r, nil)
			if err != nil {
				return failingReadCloser{err}
			}
			return zr
		})

		zip.RegisterCompressor(methodLZMA, func(w io.Writer) (io.WriteCloser, error) {
			lw, err := lzma.NewWriter(w)
			if err != nil {
				return nil, err
			}
			return lw, nil
		})
		zip.RegisterDecompressor(methodLZMA, func(r io.Reader) io.ReadCloser {
			lr, err := lzma.NewReader(r)
			if err != nil {
				return failingReadCloser{err}
			}
			return io.NopCloser(lr)
		})
	})
}

// failingReadCloser turns a construction-time error into a Read error, since
// zip.RegisterDecompressor's factory signature has no error return.
type failingReadCloser struct{ err error }

func (f failingReadCloser) Read(p []byte) (int, error) { return 0, f.err }
func (f failingReadCloser) Close() error               { return nil }

// zipMethod maps a Compression setting to the archive/zip method code to
// pass to CreateHeader.
func zipMethod(c config.Compression) uint16 {
	switch c {
	case config.CompressionStored:
		return zip.Store
	case config.CompressionBzip2:
		return methodBzip2
	case config.CompressionLZMA:
		return methodLZMA
	case config.CompressionDeflated:
		fallthrough
	default:
		return zip.Deflate
	}
}
