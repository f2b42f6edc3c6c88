// Package data contains general-purpose container types.
package data
