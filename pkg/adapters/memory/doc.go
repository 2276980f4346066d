// Package memory provides an in-process session snapshot store.
package memory
