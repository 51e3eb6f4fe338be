// Package version pins the gateway release string used in webhook envelopes,
// the User-Agent header, and /v1/models metadata.
package version

// Version is the gateway release.
const Version = "0.4.0"
