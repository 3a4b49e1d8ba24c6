// Package blobstore provides storage backends for index build artifacts.
//
// The catalog records only an artifact path; the bytes live in a Store.
// Backends:
//
//   - LocalStore: local file system, atomic via tmp+rename
//   - MemoryStore: in-memory, for tests
//   - s3.Store: Amazon S3 (sub-package blobstore/s3)
//   - minio.Store: any S3-compatible endpoint (sub-package blobstore/minio)
//
// All backends are safe for concurrent use.
package blobstore
