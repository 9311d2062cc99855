// Package util provides small helpers shared by the db.KVDB engines and the
// command line tooling: seeded FNV-1a string hashing and random seed generation.
package util
