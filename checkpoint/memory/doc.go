// Package memory implements checkpoint.Saver in process memory. State still
// passes through the codec on every write and read, so the backend behaves
// like its networked siblings, just without the network.
package memory
