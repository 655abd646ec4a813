package fetcher

import (
	"archive/zip"
	"io"
	"path"
	"strings"

	"github.com/rotisserie/eris"
)

// zipMember closes both the member stream and its archive.
type zipMember struct {
	io.ReadCloser
	archive *zip.ReadCloser
}

func (z *zipMember) Close() error {
	err := z.ReadCloser.Close()
	if cerr := z.archive.Close(); err == nil {
		err = cerr
	}
	return err
}

// OpenZIPMember opens the member of a ZIP archive whose name ends with ext
// (case-insensitive) without extracting it to disk. The archive must contain
// exactly one such member. Returns the stream, the member name and its
// uncompressed size.
func OpenZIPMember(zipPath, ext string) (io.ReadCloser, string, int64, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, "", 0, eris.Wrap(err, "zip: open archive")
	}

	var matches []*zip.File
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		// Skip macOS resource forks bundled by Finder.
		if strings.HasPrefix(f.Name, "__MACOSX/") || strings.HasPrefix(path.Base(f.Name), "._") {
			continue
		}
		if strings.EqualFold(path.Ext(f.Name), ext) {
			matches = append(matches, f)
		}
	}

	if len(matches) != 1 {
		_ = r.Close()
		return nil, "", 0, eris.Errorf("zip: expected exactly 1 %s member, got %d", ext, len(matches))
	}

	f := matches[0]
	rc, err := f.Open()
	if err != nil {
		_ = r.Close()
		return nil, "", 0, eris.Wrapf(err, "zip: open member %s", f.Name)
	}

	return &zipMember{ReadCloser: rc, archive: r}, f.Name, int64(f.UncompressedSize64), nil
}
