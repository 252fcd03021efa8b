package deb_test

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aptforge/aptforge/pkg/deb"
)

func TestCompareVersions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want int
	}{
		// numeric runs compare numerically, not lexically
		{"9", "10", -1},
		{"10", "9", 1},
		{"1.10", "1.9", 1},
		{"0.100", "0.99", 1},

		{"1.0", "1.0", 0},
		{"1.0-1", "1.0-1", 0},
		{"1.0-1", "1.0-2", -1},
		{"1.0", "1.0-1", -1},

		// epochs dominate everything else
		{"1:0.1", "2:0.1", -1},
		{"1:9", "10", 1},
		{"0:1.0", "1.0", 0},

		// tilde sorts before everything, including the empty string
		{"1.0~rc1", "1.0", -1},
		{"1.0~rc1", "1.0~rc2", -1},
		{"1.0~~", "1.0~", -1},
		{"1.0~", "1.0", -1},

		// letters sort before non-letters
		{"1.0a", "1.0+", -1},
		{"1.0Z", "1.0a", -1},

		// mixed digit and non-digit runs
		{"1.2.3", "1.2.4", -1},
		{"2.0.12-1", "2.0.9-5", 1},
		{"1.0-1ubuntu2", "1.0-1ubuntu10", -1},
	}

	for _, test := range tests {
		t.Run(test.a+" vs "+test.b, func(t *testing.T) {
			t.Parallel()

			got := deb.CompareVersions(test.a, test.b)

			switch {
			case test.want < 0:
				assert.Negative(t, got)
				assert.Positive(t, deb.CompareVersions(test.b, test.a))
			case test.want > 0:
				assert.Positive(t, got)
				assert.Negative(t, deb.CompareVersions(test.b, test.a))
			default:
				assert.Zero(t, got)
				assert.Zero(t, deb.CompareVersions(test.b, test.a))
			}
		})
	}
}

func TestCompareVersionsSorting(t *testing.T) {
	t.Parallel()

	versions := []string{"10", "2", "1.0~rc1", "1:0.5", "9", "1.0", "1.0-1"}

	sort.Slice(versions, func(i, j int) bool {
		return deb.CompareVersions(versions[i], versions[j]) < 0
	})

	assert.Equal(t, []string{"1.0~rc1", "1.0", "1.0-1", "2", "9", "10", "1:0.5"}, versions)
}
