// Package hashutil computes the file digests referenced by apt repository
// metadata (MD5, SHA1, SHA256).
package hashutil

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
)

// blockMultiple controls how many algorithm blocks are read per chunk so
// memory use stays bounded regardless of file size.
const blockMultiple = 128

// ErrUnknownAlgorithm is returned if the requested hash algorithm is not supported.
var ErrUnknownAlgorithm = errors.New("unknown hash algorithm")

// Algorithm identifies one of the supported digest algorithms.
type Algorithm string

// Supported algorithms.
const (
	MD5    Algorithm = "md5"
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
)

// Digests holds the hex-encoded digests of one file.
type Digests struct {
	MD5    string
	SHA1   string
	SHA256 string
}

func newHash(algorithm Algorithm) (hash.Hash, error) {
	switch algorithm {
	case MD5:
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
	}
}

// HashReader computes the digest of r with the given algorithm. If r is
// seekable it is rewound to the beginning first.
func HashReader(algorithm Algorithm, r io.Reader) (string, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return "", err
	}

	if s, ok := r.(io.Seeker); ok {
		if _, err := s.Seek(0, io.SeekStart); err != nil {
			return "", fmt.Errorf("error seeking to the beginning: %w", err)
		}
	}

	buf := make([]byte, blockMultiple*h.BlockSize())
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", fmt.Errorf("error reading the stream: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile computes the digest of the file at path with the given algorithm.
func HashFile(algorithm Algorithm, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("error opening %q: %w", path, err)
	}

	defer f.Close()

	return HashReader(algorithm, f)
}

// HashBytes computes the digest of an in-memory buffer.
func HashBytes(algorithm Algorithm, data []byte) (string, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return "", err
	}

	h.Write(data)

	return hex.EncodeToString(h.Sum(nil)), nil
}

// DigestsFromReader computes all three digests in a single read pass. If r
// is seekable it is rewound to the beginning first.
func DigestsFromReader(r io.Reader) (Digests, error) {
	if s, ok := r.(io.Seeker); ok {
		if _, err := s.Seek(0, io.SeekStart); err != nil {
			return Digests{}, fmt.Errorf("error seeking to the beginning: %w", err)
		}
	}

	hMD5 := md5.New()
	hSHA1 := sha1.New()
	hSHA256 := sha256.New()

	buf := make([]byte, blockMultiple*hSHA256.BlockSize())
	if _, err := io.CopyBuffer(io.MultiWriter(hMD5, hSHA1, hSHA256), r, buf); err != nil {
		return Digests{}, fmt.Errorf("error reading the stream: %w", err)
	}

	return Digests{
		MD5:    hex.EncodeToString(hMD5.Sum(nil)),
		SHA1:   hex.EncodeToString(hSHA1.Sum(nil)),
		SHA256: hex.EncodeToString(hSHA256.Sum(nil)),
	}, nil
}

// DigestsFromBytes computes all three digests of an in-memory buffer.
func DigestsFromBytes(data []byte) Digests {
	md5Sum := md5.Sum(data)
	sha1Sum := sha1.Sum(data)
	sha256Sum := sha256.Sum256(data)

	return Digests{
		MD5:    hex.EncodeToString(md5Sum[:]),
		SHA1:   hex.EncodeToString(sha1Sum[:]),
		SHA256: hex.EncodeToString(sha256Sum[:]),
	}
}
