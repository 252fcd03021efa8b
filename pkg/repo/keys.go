package repo

import (
	"path"

	"github.com/aptforge/aptforge/pkg/database"
	"github.com/aptforge/aptforge/pkg/deb"
)

const (
	// metadataDir is the top-level prefix for all metadata cache keys and
	// published paths.
	metadataDir = "dists"

	// packagesDir is the top-level prefix for stored package files.
	packagesDir = "packages"

	// hashPrefixLen is the number of leading MD5 hex characters used to
	// shard stored package files.
	hashPrefixLen = 2

	// publicKeyCacheKey holds the armored public key of the signing key.
	publicKeyCacheKey = "keys/public"
)

// packagesIndexPath returns the path of a Packages index relative to the
// distribution root; this is the exact form listed in the Release file.
func packagesIndexPath(section, architecture string) string {
	return path.Join(section, "binary-"+architecture, "Packages")
}

// packagesKey returns the metadata cache key for a Packages index.
func packagesKey(distribution, section, architecture string) string {
	return path.Join(metadataDir, distribution, packagesIndexPath(section, architecture))
}

func packagesGzKey(distribution, section, architecture string) string {
	return packagesKey(distribution, section, architecture) + ".gz"
}

// releaseKey returns the metadata cache key for a distribution's Release
// file.
func releaseKey(distribution string) string {
	return path.Join(metadataDir, distribution, "Release")
}

func releaseSigKey(distribution string) string {
	return releaseKey(distribution) + ".gpg"
}

// releaseLockKey returns the lock key serializing metadata rebuilds for
// one distribution.
func releaseLockKey(distribution string) string {
	return "release:" + distribution
}

// storedPackagePath returns the content-store path for a package file,
// sharded by the leading characters of its MD5 digest.
func storedPackagePath(md5Sum, name, version, architecture string) string {
	return path.Join(
		packagesDir,
		md5Sum[:hashPrefixLen],
		name+"_"+version+"_"+architecture+deb.Extension,
	)
}

// metadataKeysForDistribution returns every metadata cache key a
// distribution may have, used for invalidation after mutations.
func metadataKeysForDistribution(dist *database.Distribution) []string {
	keys := []string{releaseKey(dist.Name), releaseSigKey(dist.Name)}

	for _, section := range dist.Sections {
		for _, arch := range dist.Architectures {
			keys = append(keys,
				packagesKey(dist.Name, section.Name, arch.Name),
				packagesGzKey(dist.Name, section.Name, arch.Name),
			)
		}
	}

	return keys
}
