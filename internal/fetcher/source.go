package fetcher

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// Format identifies how a source file is encoded.
type Format string

const (
	FormatAuto Format = "auto"
	FormatJSON Format = "json"
	FormatZIP  Format = "zip"
	FormatCSV  Format = "csv"
)

// ParseFormat validates a user-supplied format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatAuto:
		return FormatAuto, nil
	case FormatJSON, FormatZIP, FormatCSV:
		return f, nil
	default:
		return "", eris.Errorf("unknown format %q (valid: auto, json, zip, csv)", s)
	}
}

// Source is an opened raw byte stream. For ZIP archives Format reports the
// format of the member being read (json or csv).
type Source struct {
	io.ReadCloser
	Path   string
	Member string
	Format Format
	Size   int64
}

var zipMagic = []byte("PK\x03\x04")

// OpenSource opens a plain file or the single JSON/CSV member of a ZIP archive.
// With FormatAuto the encoding is detected from the extension, falling back
// to the ZIP magic number.
func OpenSource(path string, format Format) (*Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: stat %s", path)
	}
	if info.IsDir() {
		return nil, eris.Errorf("source: %s is a directory", path)
	}

	if format == "" || format == FormatAuto {
		format, err = detectFormat(path)
		if err != nil {
			return nil, err
		}
	}

	if format == FormatZIP {
		return openZIPSource(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: open %s", path)
	}
	return &Source{ReadCloser: f, Path: path, Format: format, Size: info.Size()}, nil
}

func openZIPSource(path string) (*Source, error) {
	rc, member, size, err := OpenZIPMember(path, ".json")
	if err == nil {
		return &Source{ReadCloser: rc, Path: path, Member: member, Format: FormatJSON, Size: size}, nil
	}
	rc, member, size, csvErr := OpenZIPMember(path, ".csv")
	if csvErr != nil {
		return nil, eris.Wrapf(err, "source: %s", path)
	}
	return &Source{ReadCloser: rc, Path: path, Member: member, Format: FormatCSV, Size: size}, nil
}

func detectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip":
		return FormatZIP, nil
	case ".json":
		return FormatJSON, nil
	case ".csv":
		return FormatCSV, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", eris.Wrapf(err, "source: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	head := make([]byte, len(zipMagic))
	n, _ := io.ReadFull(f, head)
	if bytes.Equal(head[:n], zipMagic) {
		return FormatZIP, nil
	}
	return FormatJSON, nil
}
