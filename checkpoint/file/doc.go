// Package file implements checkpoint.Saver on the local filesystem. Each
// thread maps to a directory (name escaped for path safety) and each
// checkpoint to one file named by its ID, so lexicographic filename order is
// history order. Useful for local development and single-node deployments.
package file
