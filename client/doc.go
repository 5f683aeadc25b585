// Package client implements the wire protocol from the connecting side:
// authentication, file listing, uploads, downloads, chat, and a callback
// for server notifications.
//
// A single listener goroutine owns the read side of the connection. It
// routes NOTIFICATION frames to the registered callback and response
// lines to the operation in flight. During a download the listener parks
// so the payload bytes are consumed by the downloader, never mistaken
// for lines.
package client
