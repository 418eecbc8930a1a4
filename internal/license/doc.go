// Package license implements the issuance and verification core: RSA key
// management, the signed REP- license code format, the license store with
// renewal and revocation, and the activation slot state machine.
//
// The code format has three concentric layers: a compact sorted-key JSON
// payload, an RSA-PSS-SHA256 signature over the raw payload bytes, and a
// base64 envelope carried behind an advisory checksum prefix. Devices verify
// offline against the embedded public key; the server additionally consults
// its own records because revocation, suspension and renewal are never
// embedded in the code itself.
package license
