// Package redis implements checkpoint.Saver on Redis. Checkpoints are stored
// as hashes; per-thread sorted sets index checkpoint IDs lexicographically so
// latest and history queries translate to ZREVRANGEBYLEX. Metadata filters
// run client side after decoding. An optional TTL expires checkpoints and
// their indexes together.
package redis
