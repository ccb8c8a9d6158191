// Package crawler holds the bulletin pipeline's shared types, error kinds and input
// validation, plus the Engine that crawls one security code.
package crawler
