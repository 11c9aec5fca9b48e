// Package pinhash implements token PIN hashing and verification with Argon2id
// defaults.
//
// # Output format
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// # Architecture boundaries
//
// This package owns hashing and verification only. PIN policy (length rules, change
// enforcement) belongs to the externally-resolved policy layer.
//
// # What this package must NOT do
//
//   - Store or retrieve PINs — callers supply plaintext and receive hashes.
//   - Import any other otpforge package.
//   - Log plaintext PINs or hash parameters at runtime.
package pinhash
