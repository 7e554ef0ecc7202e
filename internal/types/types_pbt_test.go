package types

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: any header value resolves to exactly one known tier
func TestParseUserTier_AlwaysKnown(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("tier is free or paid", prop.ForAll(
		func(s string) bool {
			tier := ParseUserTier(s)
			return tier == TierFree || tier == TierPaid
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
