// Package testdata builds the synthetic fixtures used across the test
// suites: minimal Debian binary packages and OpenPGP signing keys.
package testdata

import (
	"archive/tar"
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/blakesmith/ar"
	"github.com/klauspost/compress/gzip"
)

// Deb builds a minimal but valid Debian binary package in memory.
func Deb(t *testing.T, name, version, arch string) []byte {
	t.Helper()

	return DebWithPayload(t, name, version, arch, []byte("payload for "+name+"_"+version+"_"+arch+"\n"))
}

// DebWithPayload builds a Debian binary package whose data member contains
// the given payload. Different payloads yield different package bytes for
// the same (name, version, architecture) triple.
func DebWithPayload(t *testing.T, name, version, arch string, payload []byte) []byte {
	t.Helper()

	control := fmt.Sprintf(`Package: %s
Version: %s
Architecture: %s
Maintainer: Test Suite <test@aptforge.test>
Description: synthetic test package
 Generated for the test suite.
`, name, version, arch)

	controlTar := tarGz(t, "./control", []byte(control))
	dataTar := tarGz(t, "./usr/share/doc/"+name+"/payload", payload)

	var buf bytes.Buffer

	w := ar.NewWriter(&buf)
	if err := w.WriteGlobalHeader(); err != nil {
		t.Fatalf("error writing the ar global header: %s", err)
	}

	members := []struct {
		name string
		body []byte
	}{
		{"debian-binary", []byte("2.0\n")},
		{"control.tar.gz", controlTar},
		{"data.tar.gz", dataTar},
	}

	for _, m := range members {
		hdr := &ar.Header{
			Name:    m.name,
			ModTime: time.Unix(0, 0),
			Mode:    0o644,
			Size:    int64(len(m.body)),
		}

		if err := w.WriteHeader(hdr); err != nil {
			t.Fatalf("error writing the ar header for %q: %s", m.name, err)
		}

		if _, err := w.Write(m.body); err != nil {
			t.Fatalf("error writing the ar body for %q: %s", m.name, err)
		}
	}

	return buf.Bytes()
}

// tarGz returns a gzip-compressed tarball with a single file member.
func tarGz(t *testing.T, name string, body []byte) []byte {
	t.Helper()

	var buf bytes.Buffer

	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(body)),
		ModTime: time.Unix(0, 0),
	}

	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("error writing the tar header for %q: %s", name, err)
	}

	if _, err := tw.Write(body); err != nil {
		t.Fatalf("error writing the tar body for %q: %s", name, err)
	}

	if err := tw.Close(); err != nil {
		t.Fatalf("error closing the tar writer: %s", err)
	}

	if err := gz.Close(); err != nil {
		t.Fatalf("error closing the gzip writer: %s", err)
	}

	return buf.Bytes()
}
