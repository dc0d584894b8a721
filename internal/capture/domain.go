package capture

import "fmt"

// Domain identifies which classifier and label set a capture belongs to.
type Domain string

const (
	DomainBurn  Domain = "burn"
	DomainWound Domain = "wound"
)

// Label order matches the model output index.
var labelSets = map[Domain][]string{
	DomainBurn: {"Mild Burn", "Moderate Burn", "Severe Burn"},
	DomainWound: {
		"Abrasions",
		"Bruises",
		"Burns",
		"Cut",
		"Ingrown nails",
		"Laceration",
		"Stab wound",
	},
}

// Domains lists every supported domain in a stable order.
func Domains() []Domain {
	return []Domain{DomainBurn, DomainWound}
}

// ParseDomain validates a domain name received from a caller or config.
func ParseDomain(value string) (Domain, error) {
	d := Domain(value)
	if !d.Valid() {
		return "", fmt.Errorf("unknown capture domain %q", value)
	}
	return d, nil
}

// Valid reports whether d is one of the supported domains.
func (d Domain) Valid() bool {
	_, ok := labelSets[d]
	return ok
}

// Labels returns a copy of the domain's fixed label set.
func (d Domain) Labels() []string {
	labels := labelSets[d]
	out := make([]string, len(labels))
	copy(out, labels)
	return out
}

// HasLabel reports whether label belongs to this domain's label set.
func (d Domain) HasLabel(label string) bool {
	for _, l := range labelSets[d] {
		if l == label {
			return true
		}
	}
	return false
}

// Namespace is the blob store folder images of this domain are written to.
func (d Domain) Namespace() string {
	return string(d) + "-images"
}
