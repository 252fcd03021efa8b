package repo

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/aptforge/aptforge/pkg/database"
	"github.com/aptforge/aptforge/pkg/deb"
	"github.com/aptforge/aptforge/pkg/hashutil"
)

// releaseDateFormat renders the Release Date field, RFC-1123 with the UTC
// zone name.
const releaseDateFormat = "Mon, 02 Jan 2006 15:04:05 MST"

// refreshReleaseData rebuilds every metadata artifact of a distribution:
// one Packages and Packages.gz per (section, architecture), the Release
// file listing their digests and the detached signature over it. The
// whole rebuild runs under the distribution lock and the cache is only
// written once everything has been generated, so a failure leaves the
// previous cache state intact.
func (r *Repository) refreshReleaseData(ctx context.Context, distribution string) ([]byte, []byte, error) {
	ctx, span := tracer.Start(ctx, "repo.refreshReleaseData")
	defer span.End()

	start := time.Now()

	lockKey := releaseLockKey(distribution)

	if err := r.locker.Lock(ctx, lockKey, r.lockTTL); err != nil {
		return nil, nil, fmt.Errorf("error acquiring the release lock for %q: %w", distribution, err)
	}

	defer func() {
		if err := r.locker.Unlock(ctx, lockKey); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).
				Str("distribution", distribution).
				Msg("error releasing the release lock")
		}
	}()

	dist, err := r.getDistribution(ctx, distribution)
	if err != nil {
		return nil, nil, err
	}

	archs := make([]string, 0, len(dist.Architectures))
	for _, arch := range dist.Architectures {
		archs = append(archs, arch.Name)
	}

	sort.Strings(archs)

	sections := make([]*database.Section, len(dist.Sections))
	copy(sections, dist.Sections)
	sort.Slice(sections, func(i, j int) bool { return sections[i].Name < sections[j].Name })

	components := make([]string, 0, len(sections))
	for _, sec := range sections {
		components = append(components, sec.Name)
	}

	var release bytes.Buffer

	writeField := func(name, value string) {
		release.WriteString(name)
		release.WriteString(": ")
		release.WriteString(value)
		release.WriteByte('\n')
	}

	writeField("Origin", dist.Origin)
	writeField("Label", dist.Label)
	writeField("Codename", dist.Name)

	if dist.Suite != "" {
		writeField("Suite", dist.Suite)
	}

	writeField("Date", dist.CreatedAt.UTC().Format(releaseDateFormat))
	writeField("Description", dist.Description)
	writeField("Architectures", strings.Join(archs, " "))
	writeField("Components", strings.Join(components, " "))

	// Staged cache writes, committed together at the end.
	pending := make(map[string][]byte)

	var digestLines []digestLine

	for _, sec := range sections {
		instances, err := r.db.GetPackageInstancesForSection(ctx, sec.ID)
		if err != nil {
			return nil, nil, err
		}

		for _, arch := range archs {
			packages, err := buildPackagesIndex(instances, arch)
			if err != nil {
				return nil, nil, err
			}

			compressed, err := deterministicGzip(packages)
			if err != nil {
				return nil, nil, err
			}

			pending[packagesKey(dist.Name, sec.Name, arch)] = packages
			pending[packagesGzKey(dist.Name, sec.Name, arch)] = compressed

			relPath := packagesIndexPath(sec.Name, arch)

			digestLines = append(digestLines,
				newDigestLine(packages, relPath),
				newDigestLine(compressed, relPath+".gz"),
			)
		}
	}

	sort.Slice(digestLines, func(i, j int) bool { return digestLines[i].path < digestLines[j].path })

	for _, section := range []struct {
		header string
		digest func(digestLine) string
	}{
		{"MD5Sum:", func(l digestLine) string { return l.md5 }},
		{"SHA1:", func(l digestLine) string { return l.sha1 }},
		{"SHA256:", func(l digestLine) string { return l.sha256 }},
	} {
		release.WriteString(section.header)
		release.WriteByte('\n')

		for _, line := range digestLines {
			release.WriteString(" ")
			release.WriteString(section.digest(line))
			release.WriteString(" ")
			release.WriteString(strconv.Itoa(line.size))
			release.WriteString(" ")
			release.WriteString(line.path)
			release.WriteByte('\n')
		}
	}

	releaseData := release.Bytes()

	signature, err := r.signer.SignDetached(releaseData)
	if err != nil {
		return nil, nil, err
	}

	pending[releaseKey(dist.Name)] = releaseData
	pending[releaseSigKey(dist.Name)] = signature

	for key, value := range pending {
		if err := r.cache.Set(ctx, key, value); err != nil {
			return nil, nil, fmt.Errorf("error caching %q: %w", key, err)
		}
	}

	recordRebuild(ctx, dist.Name, time.Since(start).Seconds())

	zerolog.Ctx(ctx).Info().
		Str("distribution", dist.Name).
		Int("artifacts", len(pending)).
		Dur("elapsed", time.Since(start)).
		Msg("release metadata rebuilt")

	return releaseData, signature, nil
}

// buildPackagesIndex renders the Packages file for one architecture from
// a section's instances. Packages with architecture "all" appear in every
// index. The result always ends with a blank line, even when empty.
func buildPackagesIndex(instances []*database.PackageInstance, architecture string) ([]byte, error) {
	var buf bytes.Buffer

	for _, instance := range instances {
		pkg := instance.Package

		if pkg.Architecture != architecture && pkg.Architecture != deb.ArchitectureAll {
			continue
		}

		paragraph, err := deb.ParseControlString(pkg.Control)
		if err != nil {
			return nil, fmt.Errorf("error parsing the stored control data of package %d: %w", pkg.ID, err)
		}

		paragraph.Set("Filename", pkg.Path)
		paragraph.Set("Size", strconv.FormatInt(pkg.Size, 10))
		paragraph.Set("MD5sum", pkg.MD5Sum)
		paragraph.Set("SHA1", pkg.SHA1Sum)
		paragraph.Set("SHA256", pkg.SHA256Sum)

		if _, err := paragraph.WriteTo(&buf); err != nil {
			return nil, fmt.Errorf("error writing the package paragraph: %w", err)
		}

		buf.WriteByte('\n')
	}

	// Never produce a zero-byte index.
	if buf.Len() == 0 {
		buf.WriteByte('\n')
	}

	return buf.Bytes(), nil
}

// deterministicGzip compresses data with the gzip header timestamp zeroed
// so identical input yields byte-identical output across rebuilds.
func deterministicGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	gz, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("error creating the gzip writer: %w", err)
	}

	gz.ModTime = time.Time{}
	gz.OS = 255

	if _, err := gz.Write(data); err != nil {
		return nil, fmt.Errorf("error compressing: %w", err)
	}

	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("error closing the gzip writer: %w", err)
	}

	return buf.Bytes(), nil
}

type digestLine struct {
	path   string
	size   int
	md5    string
	sha1   string
	sha256 string
}

func newDigestLine(data []byte, relPath string) digestLine {
	digests := hashutil.DigestsFromBytes(data)

	return digestLine{
		path:   relPath,
		size:   len(data),
		md5:    digests.MD5,
		sha1:   digests.SHA1,
		sha256: digests.SHA256,
	}
}
