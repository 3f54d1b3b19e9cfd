// Package password hashes and verifies login secrets with argon2id.
//
// Hashes use the PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// [Hasher.NeedsUpgrade] reports hashes made with weaker parameters so the
// credential store can re-hash after the next successful login.
//
// # What this package must NOT do
//
//   - Store or retrieve secrets; callers supply plaintext and receive hashes.
//   - Import any other authcore package.
//   - Log plaintext secrets.
package password
