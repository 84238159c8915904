package backend

import (
	"fmt"

	"stash/internal/config"
	"stash/internal/stash"
)

// NewResolver builds the destination-to-backend resolver for one
// profile. Backends are constructed lazily and cached so a run that
// only touches one destination never dials the others. A destination
// the profile does not configure resolves to a configuration error.
func NewResolver(p config.ProfileConfig, store stash.MetadataStore, logger stash.Logger) stash.ResolveBackend {
	cache := map[stash.Destination]stash.Backend{}

	return func(d stash.Destination) (stash.Backend, error) {
		if b, ok := cache[d]; ok {
			return b, nil
		}

		var (
			b   stash.Backend
			err error
		)
		switch d {
		case stash.DestinationS3:
			if p.S3Bucket == "" {
				return nil, &stash.ConfigurationError{Reason: "s3_bucket not configured"}
			}
			b, err = NewS3Backend(p.AccessKey, p.SecretKey, p.Region, p.S3Bucket, logger)
		case stash.DestinationGlacier:
			if p.GlacierVault == "" {
				return nil, &stash.ConfigurationError{Reason: "glacier_vault not configured"}
			}
			b, err = NewGlacierBackend(p.AccessKey, p.SecretKey, p.Region, p.GlacierVault, store, store, logger)
		case stash.DestinationObject:
			if p.ObjectEndpoint == "" || p.ObjectBucket == "" {
				return nil, &stash.ConfigurationError{Reason: "object_endpoint and object_bucket not configured"}
			}
			b, err = NewObjectBackend(p.ObjectEndpoint, p.AccessKey, p.SecretKey, p.ObjectBucket, p.ObjectSecure, logger)
		default:
			return nil, &stash.ConfigurationError{Reason: fmt.Sprintf("unknown destination %q", d)}
		}
		if err != nil {
			return nil, err
		}

		cache[d] = b
		return b, nil
	}
}
