// Package candidates enumerates the urls a media pointer might be downloadable
// from, most trustworthy first.
package candidates

import (
	"fmt"
	"net/url"
	"strings"
	"webchat-export/internal/media/pointer"

	"dario.cat/mergo"
)

type Tier string

const (
	TierRendered Tier = "rendered"
	TierMirror   Tier = "mirror"
	TierAPI      Tier = "api"
	TierCDN      Tier = "cdn"
	TierRedirect Tier = "redirect"
)

type Candidate struct {
	URL  string
	Tier Tier
	// Public candidates may be fetched without any credentials.
	Public bool
}

// Topology describes where the provider keeps its files. Templates may use
// {region}, {variant} and {id}, api templates are relative to the origin.
type Topology struct {
	MirrorTemplate string   `json:"mirror_template"`
	Regions        []string `json:"regions"`
	StorageDomains []string `json:"storage_domains"`

	GeneratedImageAPI []string `json:"generated_image_api"`
	UserUploadAPI     []string `json:"user_upload_api"`
	UnknownAPI        []string `json:"unknown_api"`

	CDNTemplates []string `json:"cdn_templates"`

	// SignatureParams are the query parameters every signed storage url has,
	// ExpiryParams are the ones of which at least one must be present.
	SignatureParams []string `json:"signature_params"`
	ExpiryParams    []string `json:"expiry_params"`
}

// DefaultTopology is what the provider has been observed to use. Files stored in a
// region missing from this list cannot be found by enumeration.
func DefaultTopology() Topology {
	return Topology{
		MirrorTemplate: "https://sdmntpr{region}.oaiusercontent.com/files/{variant}/raw",
		Regions: []string{
			"westus",
			"westus2",
			"westus3",
			"eastus",
			"eastus2",
			"centralus",
			"northcentralus",
			"southcentralus",
			"westcentralus",
		},
		StorageDomains: []string{"oaiusercontent.com"},
		GeneratedImageAPI: []string{
			"/backend-api/files/download/{variant}",
			"/backend-api/estuary/content?id={variant}",
		},
		UserUploadAPI: []string{
			"/backend-api/files/{variant}/download",
			"/backend-api/files/download/{variant}",
		},
		UnknownAPI: []string{
			"/backend-api/files/download/{variant}",
			"/backend-api/files/{variant}/download",
			"/backend-api/estuary/content?id={variant}",
			"/backend-api/files/{variant}",
		},
		CDNTemplates: []string{
			"https://files.oaiusercontent.com/{variant}",
			"https://cdn.oaistatic.com/files/{variant}",
		},
		SignatureParams: []string{"sig"},
		ExpiryParams:    []string{"se", "sp"},
	}
}

type Generator struct {
	topology Topology
}

// NewGenerator fills every empty field of the topology with its default.
func NewGenerator(topology Topology) (Generator, error) {
	err := mergo.Merge(&topology, DefaultTopology())
	if err != nil {
		return Generator{}, fmt.Errorf("merge topology defaults: %w", err)
	}
	return Generator{topology: topology}, nil
}

func (g Generator) Topology() Topology {
	return g.topology
}

// Generate lists the candidates of p, it is deterministic and never returns the
// same url twice.
func (g Generator) Generate(p pointer.Pointer, origin string) []Candidate {
	if p == nil {
		return nil
	}
	origin = strings.TrimSuffix(origin, "/")
	variants := p.Variants()

	var out []Candidate
	seen := map[string]struct{}{}
	add := func(link string, tier Tier, public bool) {
		_, dup := seen[link]
		if dup {
			return
		}
		seen[link] = struct{}{}
		out = append(out, Candidate{URL: link, Tier: tier, Public: public})
	}

	for _, variant := range variants {
		for _, region := range g.topology.Regions {
			add(expand(g.topology.MirrorTemplate, region, variant, p.ID()), TierMirror, false)
		}
	}

	if origin != "" {
		for _, variant := range variants {
			for _, path := range g.apiTemplates(p.Category()) {
				add(origin+expand(path, "", variant, p.ID()), TierAPI, false)
			}
		}
	}

	for _, variant := range variants {
		for _, tmpl := range g.topology.CDNTemplates {
			add(expand(tmpl, "", variant, p.ID()), TierCDN, true)
		}
	}

	return out
}

func (g Generator) apiTemplates(category pointer.Category) []string {
	switch category {
	case pointer.CategoryGeneratedImage:
		return g.topology.GeneratedImageAPI
	case pointer.CategoryUserUpload:
		return g.topology.UserUploadAPI
	default:
		return g.topology.UnknownAPI
	}
}

func expand(template, region, variant, id string) string {
	return strings.NewReplacer(
		"{region}", region,
		"{variant}", url.PathEscape(variant),
		"{id}", url.PathEscape(id),
	).Replace(template)
}

// IsStorageHost reports whether host belongs to one of the storage domains.
func (g Generator) IsStorageHost(host string) bool {
	host = strings.ToLower(host)
	for _, domain := range g.topology.StorageDomains {
		domain = strings.ToLower(domain)
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// IsSignedMirror reports whether link is a storage url that already carries a
// signature, such urls can be downloaded as-is.
func (g Generator) IsSignedMirror(link string) bool {
	parsed, err := url.Parse(link)
	if err != nil || parsed.Scheme != "https" {
		return false
	}
	if !g.IsStorageHost(parsed.Hostname()) {
		return false
	}

	query := parsed.Query()
	for _, param := range g.topology.SignatureParams {
		if query.Get(param) == "" {
			return false
		}
	}
	for _, param := range g.topology.ExpiryParams {
		if query.Get(param) != "" {
			return true
		}
	}
	return len(g.topology.ExpiryParams) == 0
}
