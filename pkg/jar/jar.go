// Package jar reads and writes the zip archives classes are shipped in.
package jar

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Entry is one archive member.
type Entry struct {
	Name   string
	Data   []byte
	Header zip.FileHeader
}

// IsDir reports whether the entry is a directory record.
func (e *Entry) IsDir() bool { return e.Header.FileInfo().IsDir() }

// Reader enumerates the entries of an archive in their stored order.
type Reader struct {
	zr     *zip.Reader
	closer io.Closer
}

// Open opens the archive at path.
func Open(path string) (*Reader, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	return &Reader{zr: &zr.Reader, closer: zr}, nil
}

// NewReader reads an archive held in memory.
func NewReader(data []byte) (*Reader, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	return &Reader{zr: zr}, nil
}

// Close closes the underlying file, if any.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// Len returns the number of entries.
func (r *Reader) Len() int { return len(r.zr.File) }

// ForEachEntry calls fn with the name and contents of every entry, in
// archive order, and stops at the first error.
func (r *Reader) ForEachEntry(fn func(name string, data []byte) error) error {
	for _, f := range r.zr.File {
		data, err := readFile(f)
		if err != nil {
			return err
		}
		if err := fn(f.Name, data); err != nil {
			return err
		}
	}
	return nil
}

// Entries reads every entry.
func (r *Reader) Entries() ([]*Entry, error) {
	entries := make([]*Entry, 0, len(r.zr.File))
	for _, f := range r.zr.File {
		data, err := readFile(f)
		if err != nil {
			return nil, err
		}
		entries = append(entries, &Entry{Name: f.Name, Data: data, Header: f.FileHeader})
	}
	return entries, nil
}

func readFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.Name, err)
	}
	return data, nil
}

// Writer writes entries to a new archive.
type Writer struct {
	zw     *zip.Writer
	closer io.Closer
}

// Create creates (or truncates) the archive at path.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &Writer{zw: zip.NewWriter(f), closer: f}, nil
}

// NewWriter writes an archive to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{zw: zip.NewWriter(w)}
}

// WriteEntry appends e, keeping its name, compression method, timestamps,
// comment and extra fields.
func (w *Writer) WriteEntry(e *Entry) error {
	hdr := &zip.FileHeader{
		Name:     e.Name,
		Comment:  e.Header.Comment,
		Method:   e.Header.Method,
		Modified: e.Header.Modified,
		Extra:    withoutTimestamps(e.Header.Extra),
	}
	hdr.SetMode(e.Header.Mode())
	if hdr.Modified.IsZero() {
		hdr.ModifiedDate, hdr.ModifiedTime = e.Header.ModifiedDate, e.Header.ModifiedTime
	}
	fw, err := w.zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", e.Name, err)
	}
	if _, err := fw.Write(e.Data); err != nil {
		return fmt.Errorf("failed to write %s: %w", e.Name, err)
	}
	return nil
}

// extTimeID is the extended timestamp extra field, which zip.Writer adds
// itself for entries with a modification time.
const extTimeID = 0x5455

func withoutTimestamps(extra []byte) []byte {
	var out []byte
	for len(extra) >= 4 {
		id := binary.LittleEndian.Uint16(extra)
		size := int(binary.LittleEndian.Uint16(extra[2:]))
		if 4+size > len(extra) {
			break
		}
		if id != extTimeID {
			out = append(out, extra[:4+size]...)
		}
		extra = extra[4+size:]
	}
	return out
}

// Close finishes the archive.
func (w *Writer) Close() error {
	if err := w.zw.Close(); err != nil {
		if w.closer != nil {
			w.closer.Close()
		}
		return err
	}
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}
