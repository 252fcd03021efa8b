package deb

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/blakesmith/ar"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Extension is the file extension of Debian binary packages.
const Extension = ".deb"

// ArchitectureAll marks architecture-independent packages; they are valid
// for every distribution and included in every architecture's index.
const ArchitectureAll = "all"

var (
	// ErrInvalidDeb is returned when the file is not a Debian binary package.
	ErrInvalidDeb = errors.New("not a valid Debian package")

	// ErrMissingControlArchive is returned when the package has no control archive.
	ErrMissingControlArchive = errors.New("control archive not found in package")

	// ErrUnsupportedCompression is returned for control archives compressed
	// with an algorithm dpkg does not produce.
	ErrUnsupportedCompression = errors.New("unsupported control archive compression")
)

// Control is the metadata extracted from a .deb file: the denormalized
// identity fields plus the raw control paragraph.
type Control struct {
	Name         string
	Version      string
	Architecture string
	Paragraph    *Paragraph
}

// String implements fmt.Stringer using the package identity triple.
func (c Control) String() string {
	return fmt.Sprintf("(%s, %s, %s)", c.Name, c.Version, c.Architecture)
}

// ReadControl extracts the control metadata from a Debian binary package
// read from r. It understands control.tar as produced by dpkg-deb: plain or
// compressed with gzip, xz or zstd.
func ReadControl(r io.Reader) (Control, error) {
	rdr := ar.NewReader(r)

	sawMagic := false

	for {
		hdr, err := rdr.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return Control{}, fmt.Errorf("%w: %w", ErrInvalidDeb, err)
		}

		name := strings.TrimSuffix(strings.TrimSpace(hdr.Name), "/")

		switch {
		case name == "debian-binary":
			version, err := io.ReadAll(io.LimitReader(rdr, 16))
			if err != nil {
				return Control{}, fmt.Errorf("error reading the debian-binary member: %w", err)
			}

			if !strings.HasPrefix(string(version), "2.") {
				return Control{}, fmt.Errorf("%w: unknown format version %q",
					ErrInvalidDeb, strings.TrimSpace(string(version)))
			}

			sawMagic = true
		case strings.HasPrefix(name, "control.tar"):
			if !sawMagic {
				return Control{}, fmt.Errorf("%w: control archive before debian-binary", ErrInvalidDeb)
			}

			return readControlArchive(rdr, strings.TrimPrefix(name, "control.tar"))
		}
	}

	if !sawMagic {
		return Control{}, fmt.Errorf("%w: debian-binary member not found", ErrInvalidDeb)
	}

	return Control{}, ErrMissingControlArchive
}

// readControlArchive decompresses the control tarball and parses its
// control member.
func readControlArchive(r io.Reader, ext string) (Control, error) {
	var (
		tr  io.Reader
		err error
	)

	switch ext {
	case "":
		tr = r
	case ".gz":
		gz, gzErr := gzip.NewReader(r)
		if gzErr != nil {
			return Control{}, fmt.Errorf("error opening the gzip control archive: %w", gzErr)
		}

		defer gz.Close()

		tr = gz
	case ".xz":
		tr, err = xz.NewReader(r)
		if err != nil {
			return Control{}, fmt.Errorf("error opening the xz control archive: %w", err)
		}
	case ".zst":
		zr, zErr := zstd.NewReader(r)
		if zErr != nil {
			return Control{}, fmt.Errorf("error opening the zstd control archive: %w", zErr)
		}

		defer zr.Close()

		tr = zr
	default:
		return Control{}, fmt.Errorf("%w: %q", ErrUnsupportedCompression, ext)
	}

	tarReader := tar.NewReader(tr)

	for {
		hdr, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return Control{}, fmt.Errorf("error reading the control archive: %w", err)
		}

		if path.Clean(hdr.Name) != "control" {
			continue
		}

		paragraph, err := ParseControl(tarReader)
		if err != nil {
			return Control{}, fmt.Errorf("error parsing the control file: %w", err)
		}

		return controlFromParagraph(paragraph)
	}

	return Control{}, fmt.Errorf("%w: control file missing from control.tar%s", ErrMissingControlArchive, ext)
}

func controlFromParagraph(p *Paragraph) (Control, error) {
	c := Control{
		Name:         p.Get("Package"),
		Version:      p.Get("Version"),
		Architecture: p.Get("Architecture"),
		Paragraph:    p,
	}

	for _, field := range []string{"Package", "Version", "Architecture"} {
		if p.Get(field) == "" {
			return Control{}, fmt.Errorf("%w: %s", ErrMissingField, field)
		}
	}

	return c, nil
}
