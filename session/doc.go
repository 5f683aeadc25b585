// Package session implements the per-connection protocol engine of the
// file sharing server.
//
// Each accepted connection is owned by a single Session that reads line
// commands (LIST_FILES, UPLOAD, DOWNLOAD, CHAT, AUTH), dispatches them to
// the transfer coordinator, and writes response lines back. During a
// binary transfer the session flags the stream as busy so the
// notification broadcaster defers its writes instead of interleaving
// frames with raw file bytes.
package session
