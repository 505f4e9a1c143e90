// Package log provides the leveled logging interface the checkpoint savers
// emit through.
//
// Savers default to NoOpLogger; pass a DefaultLogger (standard library) or a
// GologLogger (kataras/golog) in the backend Options to see write and delete
// activity at debug level. The read path stays silent beyond what errors
// already carry.
package log
