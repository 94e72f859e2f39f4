// Package mock runs an in-memory OCI distribution server for tests. The server
// supports pull and push of manifests and blobs, chunked uploads, paginated tag
// lists and catalogs, and bearer or basic auth. Tests seed it with AddManifest
// and AddBlob and inspect it with Manifest and Blob.
package mock
