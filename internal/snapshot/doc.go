// Package snapshot flattens Discord entities (guild, channel, role) into plain
// records that can be stored and read back without the original discordgo
// objects.
//
// Records are encoded as CBOR with Core Deterministic Encoding, so the same
// entity always produces the same bytes. Each record carries a schema version
// in field "v".
package snapshot
