// Package dedupe records which stream entries a consumer has already settled
// so that redeliveries after a lost acknowledgment are not processed twice.
package dedupe
