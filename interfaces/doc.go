// Package interfaces defines the contracts and wire types shared by the
// secure values engine, separating interface definitions from implementations.
//
// # Value Types
//
// ValueType is the single tagged variant for secure value slots. Its helpers
// answer every per-type question: wire name, credentials key, whether data is
// encrypted, and which fields scope a document joins.
//
// # Remote Service
//
// RemoteService is the request/response contract with the service that stores
// encrypted values, runs phone/email verification and forwards submissions.
// Rejections are reported as *RPCError carrying the remote error identifier.
//
// # Transfer Collaborators
//
// Uploader and Downloader stream progress for encrypted file transfers.
// PreviewCache keeps decrypted previews locally.
//
// # Storage Interfaces
//
// StorageBackend: Provides content-addressed storage for encrypted file parts
// and manifests across multiple backend types (file, S3, IPFS, Vault, bbolt).
//
// StorageBackendFactory: Creates storage backends from URI strings and manages
// multi-backend configurations for redundant storage.
//
// # Error Types
//
// ErrSecretIntegrity, ErrFileSecretIntegrity, ErrValidation and ErrConflict
// form the error taxonomy of the engine; local command errors such as
// ErrScansLimitReached and ErrWrongCode are returned directly to callers.
package interfaces
