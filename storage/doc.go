// Package storage provides content-addressed storage for encrypted file parts
// and upload manifests, with pluggable backends.
//
// Content is identified by the SHA-256 hash of the stored bytes. Parts and
// manifests live in separate namespaces on every backend, keyed as
// <root>/<type>/<first hex byte>/<hex id>. Every Fetch rehashes what it read
// and returns ErrContentCorrupted on a mismatch. Stores are idempotent: a
// backend already holding an id does not rewrite it. Nothing stored here
// is plaintext except in BoltPreviewCache, which keeps decrypted previews on
// the local machine only.
//
// # Storage URI Format
//
// Backends are selected by location URI:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - file:///var/lib/secure-values/
//   - bolt:///var/lib/secure-values/parts.db
//   - s3://AK:SK@bucket-name/prefix/?region=us-west-2&endpoint=http://minio:9000&sse=AES256
//   - ipfs://127.0.0.1:5001/secure-values?timeout=30s
//   - vault://vault.example.com:8200/secret/secure-values?token=...
//
// Several URIs combine into a MultiStorageBackend which writes to every
// available backend and reads from the first one holding a valid copy.
// Backends that missed the content or held a corrupted copy are rewritten
// from the copy that was found.
package storage
