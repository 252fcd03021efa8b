package database

import (
	"database/sql"
	"time"

	"github.com/uptrace/bun"
)

// Distribution is a top-level repository tree, analogous to an apt
// codename.
type Distribution struct {
	bun.BaseModel `bun:"table:distributions,alias:d"`

	ID          int64     `bun:"id,pk,autoincrement"`
	Name        string    `bun:"name,notnull,unique"`
	Description string    `bun:"description"`
	Label       string    `bun:"label"`
	Suite       string    `bun:"suite"`
	Origin      string    `bun:"origin"`
	CreatedAt   time.Time `bun:"created_at,notnull"`

	Architectures []*Architecture `bun:"m2m:distribution_architectures,join:Distribution=Architecture"`
	Sections      []*Section      `bun:"rel:has-many,join:id=distribution_id"`
}

// Architecture is a target CPU/ABI tag a distribution accepts packages
// for. The "all" architecture is implicitly valid everywhere and is never
// stored here.
type Architecture struct {
	bun.BaseModel `bun:"table:architectures,alias:a"`

	ID   int64  `bun:"id,pk,autoincrement"`
	Name string `bun:"name,notnull,unique"`
}

// DistributionArchitecture joins distributions to their supported
// architectures.
type DistributionArchitecture struct {
	bun.BaseModel `bun:"table:distribution_architectures,alias:da"`

	DistributionID int64         `bun:"distribution_id,pk"`
	Distribution   *Distribution `bun:"rel:belongs-to,join:distribution_id=id"`
	ArchitectureID int64         `bun:"architecture_id,pk"`
	Architecture   *Architecture `bun:"rel:belongs-to,join:architecture_id=id"`
}

// Section is a named grouping of packages within one distribution, an apt
// component.
type Section struct {
	bun.BaseModel `bun:"table:sections,alias:s"`

	ID             int64         `bun:"id,pk,autoincrement"`
	DistributionID int64         `bun:"distribution_id,notnull,unique:sections_distribution_name"`
	Distribution   *Distribution `bun:"rel:belongs-to,join:distribution_id=id"`
	Name           string        `bun:"name,notnull,unique:sections_distribution_name"`
	Description    string        `bun:"description"`

	// PackagePruneLimit caps how many versions of a package are retained
	// per (name, architecture) during pruning. Zero disables pruning.
	PackagePruneLimit int `bun:"package_prune_limit,notnull,default:0"`

	// ActionPruneLimit caps how many audit rows are retained for the
	// section during pruning. Zero disables pruning.
	ActionPruneLimit int `bun:"action_prune_limit,notnull,default:0"`

	// EnforceAuthorization restricts uploads and removals to the listed
	// users and groups. When false any actor may write.
	EnforceAuthorization bool   `bun:"enforce_authorization,notnull,default:false"`
	AuthorizedUsers      string `bun:"authorized_users"`
	AuthorizedGroups     string `bun:"authorized_groups"`

	CreatedAt time.Time `bun:"created_at,notnull"`
}

// Package is a unique binary package identified by (name, version,
// architecture). The row also owns the content-addressed file: the stored
// path and its digests. It exists only while at least one instance
// references it.
type Package struct {
	bun.BaseModel `bun:"table:packages,alias:p"`

	ID           int64  `bun:"id,pk,autoincrement"`
	Name         string `bun:"name,notnull,unique:packages_name_version_arch"`
	Version      string `bun:"version,notnull,unique:packages_name_version_arch"`
	Architecture string `bun:"architecture,notnull,unique:packages_name_version_arch"`

	// Path is the stored location relative to the content store root.
	Path      string `bun:"path,notnull"`
	Size      int64  `bun:"size,notnull"`
	MD5Sum    string `bun:"md5_sum,notnull"`
	SHA1Sum   string `bun:"sha1_sum,notnull"`
	SHA256Sum string `bun:"sha256_sum,notnull"`

	// Control is the raw control paragraph as extracted from the package.
	Control string `bun:"control,notnull"`

	CreatedAt time.Time `bun:"created_at,notnull"`
}

// PackageInstance places one package in one section.
type PackageInstance struct {
	bun.BaseModel `bun:"table:package_instances,alias:pi"`

	ID        int64    `bun:"id,pk,autoincrement"`
	PackageID int64    `bun:"package_id,notnull,unique:package_instances_package_section"`
	Package   *Package `bun:"rel:belongs-to,join:package_id=id"`
	SectionID int64    `bun:"section_id,notnull,unique:package_instances_package_section"`
	Section   *Section `bun:"rel:belongs-to,join:section_id=id"`
	Creator   string   `bun:"creator,notnull"`

	CreatedAt time.Time `bun:"created_at,notnull"`
}

// Action types recorded in the audit log.
const (
	ActionTypeUpload = "upload"
	ActionTypeDelete = "delete"
	ActionTypePrune  = "prune"
	ActionTypeCopy   = "copy"
)

// Action is an immutable audit log row. Package identity is denormalized
// so the row stays meaningful after the package is deleted; the package
// reference is nulled rather than cascaded.
type Action struct {
	bun.BaseModel `bun:"table:actions,alias:ac"`

	ID        int64         `bun:"id,pk,autoincrement"`
	Type      string        `bun:"type,notnull"`
	SectionID int64         `bun:"section_id,notnull"`
	Section   *Section      `bun:"rel:belongs-to,join:section_id=id"`
	PackageID sql.NullInt64 `bun:"package_id"`
	Actor     string        `bun:"actor,notnull"`
	Comment   string        `bun:"comment"`
	Summary   string        `bun:"summary,notnull"`

	// SourceSection names where a copied package came from; set only on
	// copy actions.
	SourceSection string `bun:"source_section"`

	PackageName  string `bun:"package_name"`
	Version      string `bun:"version"`
	Architecture string `bun:"architecture"`

	CreatedAt time.Time `bun:"created_at,notnull"`
}
