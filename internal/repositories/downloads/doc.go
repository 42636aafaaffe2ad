// Package downloads persists DownloadRecord values, the fingerprint of the
// remote object a partial local file was written from. A record is trusted
// for resume only while the remote object still matches it.
package downloads
