/*
Package s3 implements an S3-backed object store for the overlay's content
store (internal/store), selected when Configuration.Store.Backend is "s3".

# Role

The overlay's content store holds two kinds of objects: raw archive bytes at
/stores/<name>/-/<file> and, in eager mode, extracted file trees under
/stores/<name>/-/<file>-unpack/. Both are small, immutable once written, and
accessed by exact key — there is no large-object, high-QPS, or
tiered-storage workload here, so this package stays to the five S3
operations that workload needs: Get, Put, Delete, Head, List-by-prefix.

# Configuration

	cfg := s3.NewDefaultConfig()
	cfg.Region = "us-east-1"
	backend, err := s3.NewBackend(ctx, "my-bucket", cfg)

NewBackend performs a HeadBucket call to fail fast if the bucket is
unreachable or misconfigured.

# Directories on S3

S3 has no real directories. internal/store's S3-backed FS implementation
treats "/" as a plain character in keys and synthesizes directory listings
by splitting the full keys ListObjects returns under the directory's prefix
(no delimiter is sent), the same technique registry-fs uses for remote
listings (internal/registryfs).
*/
package s3
