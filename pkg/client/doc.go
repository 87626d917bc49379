// Package client talks to the bundle service on behalf of one worker: it
// checks in, streams run results up, and finalizes bundles, all over
// HTTP+JSON with mTLS. See Client for the full call surface.
package client
